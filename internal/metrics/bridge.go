package metrics

import "wxbridge/internal/domain"

// Bridge holds the series the bridge updates while it runs.
type Bridge struct {
	MessagesReceived *Counter
	MessagesDenied   *Counter
	UsersPaired      *Counter
	PipelineFailures *Counter

	ImagesDownloaded *Counter
	ImageFailures    *Counter

	TextSent        *Counter
	TextFailed      *Counter
	ImagesSent      *Counter
	ImagesFailed    *Counter
	AgentCalls      *Counter
	AgentFailures   *Counter
	InFlight        *Gauge
	AccountConn     *Gauge
	GatewayConn     *Gauge
	LoggedIn        *Gauge
	AgentLatency    *Histogram
	DownloadLatency *Histogram
}

// NewBridge registers the bridge series on c.
func NewBridge(c *Registry) *Bridge {
	return &Bridge{
		MessagesReceived: c.Counter("wxbridge_messages_total", "Inbound messages by outcome", `outcome="received"`),
		MessagesDenied:   c.Counter("wxbridge_messages_total", "Inbound messages by outcome", `outcome="denied"`),
		UsersPaired:      c.Counter("wxbridge_users_paired_total", "Senders added to the allow-list by pairing code", ""),
		PipelineFailures: c.Counter("wxbridge_pipeline_failures_total", "Messages answered with an apology", ""),

		ImagesDownloaded: c.Counter("wxbridge_image_downloads_total", "Inbound image downloads by result", `result="ok"`),
		ImageFailures:    c.Counter("wxbridge_image_downloads_total", "Inbound image downloads by result", `result="failed"`),

		TextSent:      c.Counter("wxbridge_sends_total", "Outbound sends by kind and result", `kind="text",result="ok"`),
		TextFailed:    c.Counter("wxbridge_sends_total", "Outbound sends by kind and result", `kind="text",result="failed"`),
		ImagesSent:    c.Counter("wxbridge_sends_total", "Outbound sends by kind and result", `kind="image",result="ok"`),
		ImagesFailed:  c.Counter("wxbridge_sends_total", "Outbound sends by kind and result", `kind="image",result="failed"`),
		AgentCalls:    c.Counter("wxbridge_agent_calls_total", "Agent gateway calls by result", `result="ok"`),
		AgentFailures: c.Counter("wxbridge_agent_calls_total", "Agent gateway calls by result", `result="failed"`),

		InFlight:    c.Gauge("wxbridge_inflight_messages", "Messages currently in the pipeline", ""),
		AccountConn: c.Gauge("wxbridge_connection_state", "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)", `client="account"`),
		GatewayConn: c.Gauge("wxbridge_connection_state", "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)", `client="gateway"`),
		LoggedIn:    c.Gauge("wxbridge_account_logged_in", "1 while the messaging account is logged in", ""),

		AgentLatency: c.Histogram("wxbridge_agent_latency_seconds", "Agent call latency in seconds", "",
			[]float64{0.5, 1, 2, 5, 10, 30, 60, 120}),
		DownloadLatency: c.Histogram("wxbridge_image_download_seconds", "Inbound image download time in seconds", "",
			[]float64{0.1, 0.5, 1, 2, 5, 10, 30}),
	}
}

// ObserveHealth records one health sample.
func (b *Bridge) ObserveHealth(account, gateway domain.ConnectionState, login domain.LoginState) {
	b.AccountConn.Set(int64(account))
	b.GatewayConn.Set(int64(gateway))
	if login == domain.LoggedIn {
		b.LoggedIn.Set(1)
	} else {
		b.LoggedIn.Set(0)
	}
}
