package wire

// ServerInfo is the JSON argument of the INFO frame. The broker sends it
// once as a greeting and may resend it later to announce topology changes
// via ConnectURLs.
type ServerInfo struct {
	ServerID     string   `json:"server_id"`
	Version      string   `json:"version"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Headers      bool     `json:"headers"`
	AuthRequired bool     `json:"auth_required,omitempty"`
	TLSRequired  bool     `json:"tls_required,omitempty"`
	MaxPayload   int64    `json:"max_payload"`
	ConnectURLs  []string `json:"connect_urls,omitempty"`
}

// ConnectOptions is the JSON argument of the CONNECT frame.
type ConnectOptions struct {
	Verbose  bool   `json:"verbose"`
	Pedantic bool   `json:"pedantic"`
	User     string `json:"user,omitempty"`
	Password string `json:"pass,omitempty"`
	Token    string `json:"auth_token,omitempty"`
	Name     string `json:"name,omitempty"`
	Lang     string `json:"lang"`
	Version  string `json:"version"`
	Protocol int    `json:"protocol"`
	Headers  bool   `json:"headers"`
	NoEcho   bool   `json:"no_echo,omitempty"`
}
