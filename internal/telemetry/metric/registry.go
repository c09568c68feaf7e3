package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/iknow13/CloudNet-v3/internal/network"
)

const namespace = "cloudnet"

// Registry holds all node metrics.
type Registry struct {
	reg *prometheus.Registry

	packetsSent      *prometheus.CounterVec
	packetsReceived  *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	packetsCancelled *prometheus.CounterVec
	channelsOpen     *prometheus.GaugeVec
	channelsOpened   *prometheus.CounterVec

	rpcInvoked  *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	rpcServed   *prometheus.CounterVec

	syncApplied    *prometheus.CounterVec
	syncUnknownKey *prometheus.CounterVec
	syncBroadcast  *prometheus.CounterVec

	peers              prometheus.Gauge
	peerConnects       prometheus.Counter
	handshakesRejected prometheus.Counter

	tasks prometheus.Gauge
}

// NewRegistry creates the node metrics and registers them, together with
// the Go runtime and process collectors, on a fresh prometheus.Registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "packets_sent_total",
			Help: "Packets written to channels",
		}, []string{"channel"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "packets_received_total",
			Help: "Packets read from channels",
		}, []string{"channel"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "bytes_sent_total",
			Help: "Frame bytes written to channels",
		}, []string{"channel"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "bytes_received_total",
			Help: "Frame bytes read from channels",
		}, []string{"channel"}),
		packetsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "packets_cancelled_total",
			Help: "Inbound packets dropped by the channel handler",
		}, []string{"channel"}),
		channelsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "network", Name: "channels_open",
			Help: "Currently open channels",
		}, []string{"direction"}),
		channelsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "channels_opened_total",
			Help: "Channels opened since start",
		}, []string{"direction"}),

		rpcInvoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "invocations_total",
			Help: "Outgoing synchronous RPC calls by outcome",
		}, []string{"contract", "method", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "invocation_duration_seconds",
			Help:    "Round trip time of outgoing RPC calls",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"contract", "method"}),
		rpcServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "served_total",
			Help: "Incoming RPC calls by outcome",
		}, []string{"contract", "method", "outcome"}),

		syncApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "records_applied_total",
			Help: "Data sync records applied locally",
		}, []string{"key"}),
		syncUnknownKey: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "unknown_keys_total",
			Help: "Data sync entries without a local handler",
		}, []string{"key"}),
		syncBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "broadcasts_total",
			Help: "Data sync deltas sent, counted per receiving peer",
		}, []string{"key"}),

		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "peers",
			Help: "Authenticated peer nodes",
		}),
		peerConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "peer_connects_total",
			Help: "Completed node handshakes",
		}),
		handshakesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "handshakes_rejected_total",
			Help: "Node handshakes that failed authentication",
		}),

		tasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "service_tasks",
			Help: "Service tasks known to this node",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.packetsSent, r.packetsReceived, r.bytesSent, r.bytesReceived,
		r.packetsCancelled, r.channelsOpen, r.channelsOpened,
		r.rpcInvoked, r.rpcDuration, r.rpcServed,
		r.syncApplied, r.syncUnknownKey, r.syncBroadcast,
		r.peers, r.peerConnects, r.handshakesRejected,
		r.tasks,
	)
	return r
}

// Prometheus returns the underlying registry, e.g. for storage gauges.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// channelLabel names reserved packet channels and groups extensions by id.
func channelLabel(id int32) string {
	switch id {
	case network.ChannelHandshake:
		return "handshake"
	case network.ChannelRPCRequest:
		return "rpc_request"
	case network.ChannelRPCResponse:
		return "rpc_response"
	case network.ChannelSyncFull:
		return "sync_full"
	case network.ChannelSyncDelta:
		return "sync_delta"
	case network.ChannelMessage:
		return "channel_message"
	}
	if id < network.FirstExtensionChannel {
		return "reserved"
	}
	return strconv.Itoa(int(id))
}

func direction(clientProvided bool) string {
	if clientProvided {
		return "inbound"
	}
	return "outbound"
}

// PacketSent implements network.Metrics.
func (r *Registry) PacketSent(channelID int32, bytes int) {
	label := channelLabel(channelID)
	r.packetsSent.WithLabelValues(label).Inc()
	r.bytesSent.WithLabelValues(label).Add(float64(bytes))
}

// PacketReceived implements network.Metrics.
func (r *Registry) PacketReceived(channelID int32, bytes int) {
	label := channelLabel(channelID)
	r.packetsReceived.WithLabelValues(label).Inc()
	r.bytesReceived.WithLabelValues(label).Add(float64(bytes))
}

// PacketCancelled implements network.Metrics.
func (r *Registry) PacketCancelled(channelID int32) {
	r.packetsCancelled.WithLabelValues(channelLabel(channelID)).Inc()
}

// ChannelOpened implements network.Metrics.
func (r *Registry) ChannelOpened(clientProvided bool) {
	d := direction(clientProvided)
	r.channelsOpen.WithLabelValues(d).Inc()
	r.channelsOpened.WithLabelValues(d).Inc()
}

// ChannelClosed implements network.Metrics.
func (r *Registry) ChannelClosed(clientProvided bool) {
	r.channelsOpen.WithLabelValues(direction(clientProvided)).Dec()
}

// RPCInvoked implements rpc.Metrics.
func (r *Registry) RPCInvoked(contract, method, outcome string, elapsed time.Duration) {
	r.rpcInvoked.WithLabelValues(contract, method, outcome).Inc()
	r.rpcDuration.WithLabelValues(contract, method).Observe(elapsed.Seconds())
}

// RPCServed implements rpc.Metrics.
func (r *Registry) RPCServed(contract, method, outcome string) {
	r.rpcServed.WithLabelValues(contract, method, outcome).Inc()
}

// SyncApplied implements datasync.Metrics.
func (r *Registry) SyncApplied(key string, records int) {
	r.syncApplied.WithLabelValues(key).Add(float64(records))
}

// SyncUnknownKey implements datasync.Metrics.
func (r *Registry) SyncUnknownKey(key string) {
	r.syncUnknownKey.WithLabelValues(key).Inc()
}

// SyncBroadcast implements datasync.Metrics.
func (r *Registry) SyncBroadcast(key string, peers int) {
	r.syncBroadcast.WithLabelValues(key).Add(float64(peers))
}

// PeerConnected implements cluster.Metrics.
func (r *Registry) PeerConnected() {
	r.peers.Inc()
	r.peerConnects.Inc()
}

// PeerDisconnected implements cluster.Metrics.
func (r *Registry) PeerDisconnected() {
	r.peers.Dec()
}

// HandshakeRejected implements cluster.Metrics.
func (r *Registry) HandshakeRejected() {
	r.handshakesRejected.Inc()
}

// TaskCount implements task.Metrics.
func (r *Registry) TaskCount(n int) {
	r.tasks.Set(float64(n))
}
