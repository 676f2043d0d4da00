package auxsvc

import (
	"context"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/pkg/httpclient"
)

type versionResponse struct {
	Version string `json:"version"`
}

type idResponse struct {
	Id int64 `json:"id"`
}

// idClient talks to the id generation service.
type idClient struct {
	base   string
	client *httpclient.HttpClient
}

var _ spear.IdService = (*idClient)(nil)

func (c *idClient) ServiceVersion(ctx context.Context) (string, error) {
	var resp versionResponse
	if err := c.client.GetJSON(ctx, c.base+"/version", &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (c *idClient) MsgId(ctx context.Context) (int64, error) {
	var resp idResponse
	if err := c.client.GetJSON(ctx, c.base+"/id", &resp); err != nil {
		return 0, err
	}
	return resp.Id, nil
}

// statClient talks to the statistics service.
type statClient struct {
	base   string
	client *httpclient.HttpClient
}

var _ spear.StatService = (*statClient)(nil)

func (c *statClient) ServiceVersion(ctx context.Context) (string, error) {
	var resp versionResponse
	if err := c.client.GetJSON(ctx, c.base+"/version", &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (c *statClient) Report(ctx context.Context, stat *spear.NodeStat) error {
	return c.client.PostJSON(ctx, c.base+"/stat", stat, nil)
}
