package spear

import (
	"time"

	"github.com/spf13/pflag"
)

const (
	// ParamZkAddr is the address of the coordination service.
	ParamZkAddr = "zk.addr"
	// ParamZkCluster is the fleet base path nodes register under.
	ParamZkCluster = "zk.spear.cluster"
	// ParamZkSessionTimeout is the coordination session timeout in milliseconds.
	ParamZkSessionTimeout = "zk.session-timeout"
	// ParamZkRetryTimes is the number of connection retries against the coordination service.
	ParamZkRetryTimes = "zk.retry-times"
	// ParamOutAddr is the address advertised to the fleet.  Must be unique per node.
	ParamOutAddr = "out.addr"
	// ParamSpearId is the node identifier.  Must be unique per node.
	ParamSpearId = "spear.id"
	// ParamMode selects the transport variant.
	ParamMode = "mode"
	// ParamMonitorStart enables the monitor server.
	ParamMonitorStart = "monitor.start"
	// ParamMonitorAddr is the address the monitor server listens on.
	ParamMonitorAddr = "monitor.addr"
	// ParamFrontendAddr is the address the frontend server listens on.
	ParamFrontendAddr = "frontend.addr"
	// ParamFrontendRateLimit is the number of frames per second accepted from a single connection.
	ParamFrontendRateLimit = "frontend.rate-limit"
	// ParamIdgenAddr is the base URL of the id generation service.
	ParamIdgenAddr = "idgen.addr"
	// ParamStatAddr is the base URL of the statistics service.
	ParamStatAddr = "stat.addr"
	// ParamStatInterval is how often node statistics are reported.
	ParamStatInterval = "stat.interval"
	// ParamStatsdAddr is an optional statsd address node gauges are emitted to.
	ParamStatsdAddr = "statsd.addr"
	// ParamInnerQueueSize is the capacity of the in-process transport queue.
	ParamInnerQueueSize = "inner.queue-size"
	// ParamRocketMQNameServer is a comma separated list of RocketMQ name servers.
	ParamRocketMQNameServer = "rocketmq.nameserver"
	// ParamRocketMQGroup is the RocketMQ producer and consumer group.
	ParamRocketMQGroup = "rocketmq.group"
	// ParamRocketMQTopic is the RocketMQ topic messages are exchanged on.
	ParamRocketMQTopic = "rocketmq.topic"
)

const (
	// DefaultMode is the transport used when none, or an unknown one, is configured.
	DefaultMode = "inner"
	// DefaultZkSessionTimeout is the default coordination session timeout in milliseconds.
	DefaultZkSessionTimeout = 3000
	// DefaultZkRetryTimes is the default number of coordination connection retries.
	DefaultZkRetryTimes = 10
	// DefaultFrontendAddr is the default frontend listen address.
	DefaultFrontendAddr = ":9000"
	// DefaultFrontendRateLimit is the default per connection frame rate.
	DefaultFrontendRateLimit = 50
	// DefaultMonitorAddr is the default monitor listen address.
	DefaultMonitorAddr = "127.0.0.1:9001"
	// DefaultStatInterval is the default node statistics period.
	DefaultStatInterval = 30 * time.Second
	// DefaultInnerQueueSize is the default in-process queue capacity.
	DefaultInnerQueueSize = 1024
)

// AddFlags adds flags for every node parameter to the specified FlagSet.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(ParamZkAddr, "", "Address of the coordination service")
	fs.String(ParamZkCluster, "", "Base path of the fleet in the coordination service")
	fs.Int(ParamZkSessionTimeout, DefaultZkSessionTimeout, "Coordination session timeout in milliseconds")
	fs.Int(ParamZkRetryTimes, DefaultZkRetryTimes, "Coordination connection retries")
	fs.String(ParamOutAddr, "", "Address advertised to the fleet")
	fs.String(ParamSpearId, "", "Unique node id")
	fs.String(ParamMode, DefaultMode, "Transport mode, inner or rocketmq")
	fs.String(ParamMonitorStart, "false", "Start the monitor server")
	fs.String(ParamMonitorAddr, DefaultMonitorAddr, "Address of the monitor server")
	fs.String(ParamFrontendAddr, DefaultFrontendAddr, "Address of the frontend server")
	fs.Int(ParamFrontendRateLimit, DefaultFrontendRateLimit, "Frames per second accepted from a client connection")
	fs.String(ParamIdgenAddr, "", "Base URL of the id generation service")
	fs.String(ParamStatAddr, "", "Base URL of the statistics service")
	fs.Duration(ParamStatInterval, DefaultStatInterval, "How often node statistics are reported")
	fs.String(ParamStatsdAddr, "", "If set, emit node gauges to this statsd address")
	fs.Int(ParamInnerQueueSize, DefaultInnerQueueSize, "Capacity of the inner transport queue")
	fs.String(ParamRocketMQNameServer, "", "Comma-separated list of RocketMQ name servers")
	fs.String(ParamRocketMQGroup, "", "RocketMQ producer and consumer group")
	fs.String(ParamRocketMQTopic, "", "RocketMQ topic")
}
