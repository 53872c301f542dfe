package protocol

// System operations. The hub originates handshake, ping, and challenge;
// connectors originate pong, auth responses, and voluntary disconnects.
const (
	OpHandshake     = "system.handshake"
	OpPing          = "system.ping"
	OpPong          = "system.pong"
	OpAuthChallenge = "system.auth.challenge"
	OpAuthResponse  = "system.auth.response"
	OpDisconnect    = "system.disconnect"
)

// Hub→connector request operations.
const (
	OpWhitelistAdd    = "whitelist.add"
	OpWhitelistRemove = "whitelist.remove"
	OpWhitelistList   = "whitelist.list"
	OpWhitelistSync   = "whitelist.sync"
	OpPlayerList      = "player.list"
	OpPlayerInfo      = "player.info"
	OpPlayerKick      = "player.kick"
	OpBanAdd          = "ban.add"
	OpBanRemove       = "ban.remove"
	OpBanList         = "ban.list"
	OpCommandExecute  = "command.execute"
	OpChatSend        = "chat.send"
	OpChatBroadcast   = "chat.broadcast"
	OpServerInfo      = "server.info"
	OpMonitorReport   = "monitor.report"
)

// Connector→hub event operations.
const (
	EventPlayerJoin  = "player.join"
	EventPlayerQuit  = "player.quit"
	EventPlayerChat  = "player.chat"
	EventPlayerDeath = "player.death"
	EventServerLog   = "server.log"
	EventServerSave  = "server.save"
)

// HandshakeData is the payload both sides exchange after authentication.
// The hub fills HubVersion and leaves the core fields empty; the connector
// does the reverse.
type HandshakeData struct {
	HubVersion   string   `json:"hubVersion,omitempty"`
	CoreType     string   `json:"coreType,omitempty"`
	CoreName     string   `json:"coreName,omitempty"`
	CoreVersion  string   `json:"coreVersion,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ChallengeData carries the auth nonce from hub to connector.
type ChallengeData struct {
	Nonce string `json:"nonce"`
}

// AuthResponseData answers a challenge: signature is
// hex(HMAC-SHA256(nonce, token)).
type AuthResponseData struct {
	ServerID  string `json:"serverId"`
	Signature string `json:"signature"`
}

// DisconnectData explains a voluntary or administrative disconnect.
type DisconnectData struct {
	Reason string `json:"reason,omitempty"`
}

// CommandData is the payload for command.execute requests.
type CommandData struct {
	Command string `json:"command"`
	RunAs   string `json:"runAs,omitempty"`
}

// CommandResultData is the connector's reply to command.execute.
type CommandResultData struct {
	Output      string `json:"output"`
	ExitCode    *int   `json:"exitCode,omitempty"`
	ExecutionMs int64  `json:"executionMs"`
}

// PlayerTargetData is the payload for whitelist and kick/ban mutations.
type PlayerTargetData struct {
	Player string `json:"player"`
	Reason string `json:"reason,omitempty"`
}

// BanTargetData is the payload for ban.add requests. Duration uses the
// shorthand forms connectors accept ("7d", "2h30m"); empty means permanent.
type BanTargetData struct {
	Player   string `json:"player"`
	Reason   string `json:"reason,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// WhitelistListData is the whitelist.list / whitelist.sync response payload.
type WhitelistListData struct {
	Players []string `json:"players"`
}

// PlayerInfo is one online player as reported by player.list / player.info.
type PlayerInfo struct {
	UUID        string `json:"uuid,omitempty"`
	XUID        string `json:"xuid,omitempty"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	IP          string `json:"ip,omitempty"`
	Device      string `json:"device,omitempty"`
}

// PlayerListData is the player.list response payload.
type PlayerListData struct {
	Players []PlayerInfo `json:"players"`
	Max     int          `json:"max,omitempty"`
}

// BanEntryData is one entry in a ban.list response. Timestamps are unix
// milliseconds; zero means unknown/permanent.
type BanEntryData struct {
	Player    string `json:"player"`
	Reason    string `json:"reason,omitempty"`
	BannedBy  string `json:"bannedBy,omitempty"`
	BannedAt  int64  `json:"bannedAt,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// BanListData is the ban.list response payload.
type BanListData struct {
	Bans []BanEntryData `json:"bans"`
}

// ChatSendData is the payload for chat.send: a message routed from a bound
// chat group into the server.
type ChatSendData struct {
	Message string `json:"message"`
	Group   string `json:"group,omitempty"`
	Sender  string `json:"sender,omitempty"`
}

// BroadcastData is the payload for chat.broadcast.
type BroadcastData struct {
	Message string `json:"message"`
}
