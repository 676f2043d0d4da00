// Package auxsvc resolves the remote auxiliary services a node uses: the id generation service and the
// statistics service.  Both are optional; a node without them runs degraded.
package auxsvc

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/fx"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/pkg/httpclient"
	"github.com/gru-im/spear/pkg/util"
)

const (
	nameIdService   = "idService"
	nameStatService = "statService"

	// diagnosticTimeout bounds each version or demo id query made while resolving.
	diagnosticTimeout = 2 * time.Second
)

// services is filled in by the container.
type services struct {
	fx.In

	Id   *idClient   `name:"idService"`
	Stat *statClient `name:"statService"`
}

// Resolver builds the auxiliary service clients from configuration.
type Resolver struct {
	logger logrus.FieldLogger
	config map[string]string
}

func NewResolver(logger logrus.FieldLogger, config map[string]string) *Resolver {
	return &Resolver{
		logger: logger,
		config: config,
	}
}

// Resolve returns handles to the id and stat services.  It fails with a spear.ErrResolution kind error if
// either service is not configured or its client cannot be built.  Once both handles exist, each service is
// asked for its version (and the id service for one sample id) for the log.  Those calls are tried once under
// a short timeout and never fail Resolve.
func (r *Resolver) Resolve(ctx context.Context) (spear.IdService, spear.StatService, error) {
	var resolved services
	app := fx.New(
		fx.NopLogger,
		fx.Provide(
			r.newHttpClient,
			fx.Annotated{Name: nameIdService, Target: r.newIdService},
			fx.Annotated{Name: nameStatService, Target: r.newStatService},
		),
		fx.Invoke(func(s services) {
			resolved = s
		}),
	)
	if err := app.Err(); err != nil {
		return nil, nil, spear.NewError(spear.KindResolution, "resolve auxiliary services", err)
	}

	r.logVersions(ctx, resolved.Id, resolved.Stat)
	return resolved.Id, resolved.Stat, nil
}

func (r *Resolver) newHttpClient() (*httpclient.HttpClient, error) {
	return httpclient.NewHttpClientFromViper(r.logger, util.ViperFromConfig(r.config, "http-client"))
}

func (r *Resolver) newIdService(hc *httpclient.HttpClient) (*idClient, error) {
	base, err := baseURL(r.config, spear.ParamIdgenAddr)
	if err != nil {
		return nil, err
	}
	return &idClient{base: base, client: hc}, nil
}

func (r *Resolver) newStatService(hc *httpclient.HttpClient) (*statClient, error) {
	base, err := baseURL(r.config, spear.ParamStatAddr)
	if err != nil {
		return nil, err
	}
	return &statClient{base: base, client: hc}, nil
}

func (r *Resolver) logVersions(ctx context.Context, id *idClient, stat *statClient) {
	idOnce := &idClient{base: id.base, client: id.client.WithoutRetries()}
	statOnce := &statClient{base: stat.base, client: stat.client.WithoutRetries()}

	callCtx, cancel := context.WithTimeout(ctx, diagnosticTimeout)
	idVersion, err := idOnce.ServiceVersion(callCtx)
	cancel()
	if err != nil {
		r.logger.WithError(err).Warn("Failed to query idgen service version")
	}
	callCtx, cancel = context.WithTimeout(ctx, diagnosticTimeout)
	demoId, err := idOnce.MsgId(callCtx)
	cancel()
	if err != nil {
		r.logger.WithError(err).Warn("Failed to generate a demo id")
	}
	r.logger.WithFields(logrus.Fields{
		"version": idVersion,
		"demo-id": demoId,
	}).Info("idgen service resolved")

	callCtx, cancel = context.WithTimeout(ctx, diagnosticTimeout)
	statVersion, err := statOnce.ServiceVersion(callCtx)
	cancel()
	if err != nil {
		r.logger.WithError(err).Warn("Failed to query stat service version")
	}
	r.logger.WithField("version", statVersion).Info("stat service resolved")
}

func baseURL(config map[string]string, key string) (string, error) {
	raw := strings.TrimSpace(config[key])
	if raw == "" {
		return "", fmt.Errorf("%s is not configured", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%s (%s) must be an http or https url", key, raw)
	}
	return strings.TrimRight(raw, "/"), nil
}
