// Command mochi-sim is a fake connector for local development and demos. It
// dials a hub's /ws endpoint, authenticates, completes the handshake, and
// then acts like a small game server: an in-memory whitelist and ban list, a
// synthetic player roster that drifts over time, and an answer for every
// request operation the hub can send. Players chat, join, and quit on a
// timer, and monitoring reports are pushed periodically, so a hub pointed at
// a simulator shows live data end to end.
//
// Typical use, after registering a server and copying its token:
//
//	mochi-sim -server lobby-01 -token <64-hex> -url ws://localhost:8080/ws
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	dialTimeout    = 10 * time.Second
	backoffInitial = time.Second
	backoffMax     = time.Minute
)

// errHubDisconnect signals a system.disconnect from the hub; the session ends
// cleanly and the reconnect loop takes over.
var errHubDisconnect = errors.New("hub requested disconnect")

type simConfig struct {
	url       string
	serverID  string
	token     string
	challenge bool
	coreType  string
	coreName  string
	coreVer   string
	maxSlots  int
	chatEvery time.Duration
	monEvery  time.Duration
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := simConfig{}
	flag.StringVar(&cfg.url, "url", "ws://localhost:8080/ws", "hub WebSocket endpoint")
	flag.StringVar(&cfg.serverID, "server", "", "server id (required)")
	flag.StringVar(&cfg.token, "token", "", "connector token (required)")
	flag.BoolVar(&cfg.challenge, "challenge", false, "authenticate with challenge-response instead of query credentials")
	flag.StringVar(&cfg.coreType, "core", "java", "core type reported in the handshake (java|bedrock)")
	flag.StringVar(&cfg.coreName, "name", "Paper", "core name reported in the handshake")
	flag.StringVar(&cfg.coreVer, "core-version", "1.21.4", "core version reported in the handshake")
	flag.IntVar(&cfg.maxSlots, "max", 20, "max player slots")
	flag.DurationVar(&cfg.chatEvery, "chat", 15*time.Second, "interval between synthetic player events (0 disables)")
	flag.DurationVar(&cfg.monEvery, "monitor", 30*time.Second, "interval between monitor.report pushes (0 disables)")
	debug := flag.Bool("debug", false, "log every frame")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if cfg.serverID == "" || cfg.token == "" {
		fmt.Fprintln(os.Stderr, "mochi-sim: -server and -token are required")
		flag.Usage()
		return 2
	}
	if _, err := url.Parse(cfg.url); err != nil {
		logger.Error("bad -url", "error", err)
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim := newSimulator(cfg, logger)

	// Reconnect loop: jittered exponential backoff, reset after any session
	// that survived long enough to be considered healthy.
	backoff := backoffInitial
	for {
		start := time.Now()
		err := sim.session(ctx)
		if ctx.Err() != nil {
			logger.Info("simulator stopped")
			return 0
		}
		if time.Since(start) > time.Minute {
			backoff = backoffInitial
		}
		delay := backoff/2 + rand.N(backoff/2) // half fixed, half jitter
		logger.Warn("session ended, reconnecting", "error", err, "retry_in", delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			logger.Info("simulator stopped")
			return 0
		case <-time.After(delay):
		}
		if backoff *= 2; backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// simulator holds the fake server state shared across reconnects. The hub
// treats a reconnect as the same server coming back, so whitelist edits made
// while connected must survive the next session.
type simulator struct {
	cfg    simConfig
	logger *slog.Logger

	mu        sync.Mutex
	whitelist map[string]string                // lower(name) → name as given
	bans      map[string]protocol.BanEntryData // lower(name) → entry
	players   []protocol.PlayerInfo
	startedAt time.Time

	writeMu sync.Mutex // gorilla allows one concurrent writer
	ws      *websocket.Conn
}

func newSimulator(cfg simConfig, logger *slog.Logger) *simulator {
	return &simulator{
		cfg:       cfg,
		logger:    logger,
		whitelist: map[string]string{},
		bans:      map[string]protocol.BanEntryData{},
		startedAt: time.Now(),
	}
}

// session runs one connection from dial to close.
func (s *simulator) session(ctx context.Context) error {
	ws, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.ws = ws
	defer ws.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.eventLoop(sessCtx)
	go s.monitorLoop(sessCtx)
	go func() {
		// A dying parent context must unblock the read loop.
		<-sessCtx.Done()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		s.logger.Debug("frame in", "type", string(frame.Type), "op", frame.Op, "id", frame.ID)
		if err := s.handleFrame(frame); err != nil {
			return err
		}
	}
}

// dial connects and authenticates. Direct auth rides the query string;
// challenge auth dials bare and answers the hub's nonce.
func (s *simulator) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.url)
	if err != nil {
		return nil, err
	}
	if !s.cfg.challenge {
		q := u.Query()
		q.Set("serverId", s.cfg.serverID)
		q.Set("token", s.cfg.token)
		u.RawQuery = q.Encode()
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	if s.cfg.challenge {
		if err := s.answerChallenge(ws); err != nil {
			ws.Close()
			return nil, err
		}
	}
	s.logger.Info("connected", "url", s.cfg.url, "server_id", s.cfg.serverID)
	return ws, nil
}

// answerChallenge waits for system.auth.challenge and returns the HMAC proof.
func (s *simulator) answerChallenge(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(dialTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await challenge: %w", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil || frame.Op != protocol.OpAuthChallenge {
			continue
		}
		var challenge protocol.ChallengeData
		if err := frame.DecodeData(&challenge); err != nil {
			return err
		}
		reply, err := protocol.NewSystem(protocol.OpAuthResponse, protocol.AuthResponseData{
			ServerID:  s.cfg.serverID,
			Signature: auth.ChallengeSignature(challenge.Nonce, s.cfg.token),
		})
		if err != nil {
			return err
		}
		raw, err := protocol.Encode(reply)
		if err != nil {
			return err
		}
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteMessage(websocket.TextMessage, raw)
	}
}

func (s *simulator) writeFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *simulator) respond(id string, data any) {
	f, err := protocol.NewResponse(id, data)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		return
	}
	if err := s.writeFrame(f); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *simulator) respondError(id, code, msg string) {
	if err := s.writeFrame(protocol.NewError(id, code, msg)); err != nil {
		s.logger.Warn("write error frame", "error", err)
	}
}

func (s *simulator) emit(op string, data any) {
	f, err := protocol.NewEvent(op, data)
	if err != nil {
		return
	}
	if err := s.writeFrame(f); err != nil {
		s.logger.Debug("write event", "op", op, "error", err)
	}
}

func (s *simulator) handleFrame(f *protocol.Frame) error {
	switch f.Type {
	case protocol.TypeSystem:
		return s.handleSystem(f)
	case protocol.TypeRequest:
		s.handleRequest(f)
		return nil
	case protocol.TypeError:
		s.logger.Warn("error frame from hub", "code", f.Error.Code, "message", f.Error.Message)
		return nil
	default:
		return nil
	}
}

func (s *simulator) handleSystem(f *protocol.Frame) error {
	switch f.Op {
	case protocol.OpHandshake:
		var hs protocol.HandshakeData
		_ = f.DecodeData(&hs)
		s.logger.Info("handshake from hub", "hub_version", hs.HubVersion)
		reply, err := protocol.NewSystem(protocol.OpHandshake, s.handshakeData())
		if err != nil {
			return err
		}
		return s.writeFrame(reply)
	case protocol.OpPing:
		pong, err := protocol.NewSystem(protocol.OpPong, nil)
		if err != nil {
			return err
		}
		return s.writeFrame(pong)
	case protocol.OpDisconnect:
		var d protocol.DisconnectData
		_ = f.DecodeData(&d)
		s.logger.Info("hub disconnect", "reason", d.Reason)
		return errHubDisconnect
	default:
		s.logger.Debug("ignoring system frame", "op", f.Op)
		return nil
	}
}

func (s *simulator) handshakeData() protocol.HandshakeData {
	return protocol.HandshakeData{
		CoreType:    s.cfg.coreType,
		CoreName:    s.cfg.coreName,
		CoreVersion: s.cfg.coreVer,
		Capabilities: []string{
			"whitelist", "players", "bans", "commands", "chat", "monitoring",
		},
	}
}

func (s *simulator) handleRequest(f *protocol.Frame) {
	switch f.Op {
	case protocol.OpWhitelistAdd:
		var req protocol.PlayerTargetData
		if err := f.DecodeData(&req); err != nil {
			s.respondError(f.ID, "bad_request", err.Error())
			return
		}
		s.mu.Lock()
		s.whitelist[strings.ToLower(req.Player)] = req.Player
		n := len(s.whitelist)
		s.mu.Unlock()
		s.logger.Info("whitelist add", "player", req.Player, "size", n)
		s.respond(f.ID, map[string]any{"added": req.Player})

	case protocol.OpWhitelistRemove:
		var req protocol.PlayerTargetData
		if err := f.DecodeData(&req); err != nil {
			s.respondError(f.ID, "bad_request", err.Error())
			return
		}
		s.mu.Lock()
		delete(s.whitelist, strings.ToLower(req.Player))
		n := len(s.whitelist)
		s.mu.Unlock()
		s.logger.Info("whitelist remove", "player", req.Player, "size", n)
		s.respond(f.ID, map[string]any{"removed": req.Player})

	case protocol.OpWhitelistList:
		s.respond(f.ID, protocol.WhitelistListData{Players: s.whitelistNames()})

	case protocol.OpWhitelistSync:
		var req protocol.WhitelistListData
		if err := f.DecodeData(&req); err != nil {
			s.respondError(f.ID, "bad_request", err.Error())
			return
		}
		s.mu.Lock()
		s.whitelist = make(map[string]string, len(req.Players))
		for _, p := range req.Players {
			s.whitelist[strings.ToLower(p)] = p
		}
		s.mu.Unlock()
		s.logger.Info("whitelist sync", "size", len(req.Players))
		s.respond(f.ID, protocol.WhitelistListData{Players: req.Players})

	case protocol.OpPlayerList:
		s.mu.Lock()
		players := make([]protocol.PlayerInfo, len(s.players))
		copy(players, s.players)
		s.mu.Unlock()
		s.respond(f.ID, protocol.PlayerListData{Players: players, Max: s.cfg.maxSlots})

	case protocol.OpPlayerInfo:
		var req protocol.PlayerTargetData
		if err := f.DecodeData(&req); err != nil {
			s.respondError(f.ID, "bad_request", err.Error())
			return
		}
		if p, ok := s.findPlayer(req.Player); ok {
			s.respond(f.ID, p)
			return
		}
		s.respondError(f.ID, "not_found", "player not online: "+req.Player)

	case protocol.OpPlayerKick:
		var req protocol.PlayerTargetData
		if err := f.DecodeData(&req); err != nil {
			s.respondError(f.ID, "bad_request", err.Error())
			return
		}
		if s.removePlayer(req.Player) {
			s.logger.Info("kicked", "player", req.Player, "reason", req.Reason)
			s.emit(protocol.EventPlayerQuit, map[string]any{"player": req.Player, "reason": "kicked"})
		}
		s.respond(f.ID, map[string]any{"kicked": req.Player})

	case protocol.OpBanAdd:
		var req protocol.BanTargetData
		if err := f.DecodeData(&req); err != nil {
			s.respondError(f.ID, "bad_request", err.Error())
			return
		}
		entry := protocol.BanEntryData{
			Player:   req.Player,
			Reason:   req.Reason,
			BannedBy: "hub",
			BannedAt: time.Now().UnixMilli(),
		}
		if d, err := parseBanDuration(req.Duration); err != nil {
			s.respondError(f.ID, "bad_request", err.Error())
			return
		} else if d > 0 {
			entry.ExpiresAt = time.Now().Add(d).UnixMilli()
		}
		s.mu.Lock()
		s.bans[strings.ToLower(req.Player)] = entry
		s.mu.Unlock()
		if s.removePlayer(req.Player) {
			s.emit(protocol.EventPlayerQuit, map[string]any{"player": req.Player, "reason": "banned"})
		}
		s.logger.Info("banned", "player", req.Player, "reason", req.Reason, "duration", req.Duration)
		s.respond(f.ID, entry)

	case protocol.OpBanRemove:
		var req protocol.PlayerTargetData
		if err := f.DecodeData(&req); err != nil {
			s.respondError(f.ID, "bad_request", err.Error())
			return
		}
		s.mu.Lock()
		delete(s.bans, strings.ToLower(req.Player))
		s.mu.Unlock()
		s.logger.Info("unbanned", "player", req.Player)
		s.respond(f.ID, map[string]any{"unbanned": req.Player})

	case protocol.OpBanList:
		s.mu.Lock()
		bans := make([]protocol.BanEntryData, 0, len(s.bans))
		for _, b := range s.bans {
			bans = append(bans, b)
		}
		s.mu.Unlock()
		s.respond(f.ID, protocol.BanListData{Bans: bans})

	case protocol.OpCommandExecute:
		var req protocol.CommandData
		if err := f.DecodeData(&req); err != nil {
			s.respondError(f.ID, "bad_request", err.Error())
			return
		}
		started := time.Now()
		output := s.execute(req.Command)
		zero := 0
		s.logger.Info("command", "command", req.Command, "run_as", req.RunAs)
		s.respond(f.ID, protocol.CommandResultData{
			Output:      output,
			ExitCode:    &zero,
			ExecutionMs: time.Since(started).Milliseconds(),
		})

	case protocol.OpChatSend:
		var req protocol.ChatSendData
		if err := f.DecodeData(&req); err != nil {
			s.respondError(f.ID, "bad_request", err.Error())
			return
		}
		s.logger.Info("chat from group", "group", req.Group, "sender", req.Sender, "message", req.Message)
		s.respond(f.ID, nil)

	case protocol.OpChatBroadcast:
		var req protocol.BroadcastData
		if err := f.DecodeData(&req); err != nil {
			s.respondError(f.ID, "bad_request", err.Error())
			return
		}
		s.logger.Info("broadcast", "message", req.Message)
		s.respond(f.ID, nil)

	case protocol.OpServerInfo:
		s.respond(f.ID, s.serverInfo())

	case protocol.OpMonitorReport:
		s.respond(f.ID, s.sampleData())

	default:
		s.respondError(f.ID, "unsupported", "unsupported operation "+f.Op)
	}
}

// execute fakes a console. list gets a real answer so `mochi status` style
// flows demo well; everything else is an echo.
func (s *simulator) execute(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "list":
		names := s.playerNames()
		return fmt.Sprintf("There are %d of a max of %d players online: %s",
			len(names), s.cfg.maxSlots, strings.Join(names, ", "))
	case "say":
		msg := strings.TrimSpace(strings.TrimPrefix(command, "say"))
		s.emit(protocol.EventPlayerChat, map[string]any{"player": "Server", "message": msg})
		return ""
	case "tps":
		return "TPS from last 1m, 5m, 15m: 20.0, 20.0, 19.9"
	default:
		return "Executed: " + command
	}
}

func (s *simulator) serverInfo() map[string]any {
	s.mu.Lock()
	online := len(s.players)
	s.mu.Unlock()
	return map[string]any{
		"coreType":    s.cfg.coreType,
		"coreName":    s.cfg.coreName,
		"coreVersion": s.cfg.coreVer,
		"players":     online,
		"maxPlayers":  s.cfg.maxSlots,
		"uptimeSec":   int64(time.Since(s.startedAt).Seconds()),
	}
}

// sampleData builds one monitoring report: a healthy server with mild noise.
func (s *simulator) sampleData() map[string]any {
	s.mu.Lock()
	online := len(s.players)
	s.mu.Unlock()
	return map[string]any{
		"tps":         roundTo(19.2+rand.Float64()*0.8, 2),
		"mspt":        roundTo(30+rand.Float64()*20, 2),
		"cpuPercent":  roundTo(10+rand.Float64()*40, 1),
		"memUsedMb":   2048 + rand.N(int64(1024)),
		"memMaxMb":    8192,
		"playerCount": online,
		"maxPlayers":  s.cfg.maxSlots,
	}
}

// eventLoop drives the synthetic population: joins, quits, chat, and the
// occasional death.
func (s *simulator) eventLoop(ctx context.Context) {
	if s.cfg.chatEvery <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.chatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickPopulation()
		}
	}
}

func (s *simulator) tickPopulation() {
	s.mu.Lock()
	online := len(s.players)
	s.mu.Unlock()

	switch roll := rand.N(10); {
	case online == 0 || (roll < 3 && online < s.cfg.maxSlots):
		p := s.addRandomPlayer()
		s.emit(protocol.EventPlayerJoin, map[string]any{"player": p.Name, "uuid": p.UUID})
	case roll == 3 && online > 1:
		if p, ok := s.popRandomPlayer(); ok {
			s.emit(protocol.EventPlayerQuit, map[string]any{"player": p.Name})
		}
	case roll == 4:
		if p, ok := s.randomPlayer(); ok {
			s.emit(protocol.EventPlayerDeath, map[string]any{
				"player": p.Name,
				"cause":  deathCauses[rand.N(len(deathCauses))],
			})
		}
	default:
		if p, ok := s.randomPlayer(); ok {
			s.emit(protocol.EventPlayerChat, map[string]any{
				"player":  p.Name,
				"message": chatLines[rand.N(len(chatLines))],
			})
		}
	}
}

func (s *simulator) monitorLoop(ctx context.Context) {
	if s.cfg.monEvery <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.monEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emit(protocol.OpMonitorReport, s.sampleData())
		}
	}
}

// ── Roster helpers ─────────────────────────────────────────────────────────

var rosterNames = []string{
	"Steve", "Alex", "Herobrine", "Notch_Fan", "Creeper_Aw_Man", "DiamondMiner",
	"EnderSlayer", "RedstoneWiz", "PigRider42", "SkyBlockPro", "Villager_No9",
	"BlazeRunner", "NetherKnight", "Axolotl_Lux", "BeeKeeper_Bob",
}

var chatLines = []string{
	"anyone selling diamonds?", "lag?", "brb", "who built this?",
	"come to spawn", "nice base", "gg", "watch out, creeper behind you",
	"trading 2 emeralds for iron", "the nether portal is broken again",
}

var deathCauses = []string{
	"fell from a high place", "was slain by Zombie", "tried to swim in lava",
	"blew up", "starved to death",
}

func (s *simulator) addRandomPlayer() protocol.PlayerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	online := map[string]bool{}
	for _, p := range s.players {
		online[p.Name] = true
	}
	name := rosterNames[rand.N(len(rosterNames))]
	for i := 0; online[name] && i < len(rosterNames); i++ {
		name = rosterNames[rand.N(len(rosterNames))]
	}
	if online[name] {
		name = name + "_" + strconv.Itoa(rand.N(100))
	}
	p := protocol.PlayerInfo{
		Name: name,
		UUID: fakeUUID(name),
		IP:   fmt.Sprintf("10.0.%d.%d", rand.N(256), rand.N(256)),
	}
	s.players = append(s.players, p)
	return p
}

func (s *simulator) popRandomPlayer() (protocol.PlayerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.players) == 0 {
		return protocol.PlayerInfo{}, false
	}
	i := rand.N(len(s.players))
	p := s.players[i]
	s.players = append(s.players[:i], s.players[i+1:]...)
	return p, true
}

func (s *simulator) randomPlayer() (protocol.PlayerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.players) == 0 {
		return protocol.PlayerInfo{}, false
	}
	return s.players[rand.N(len(s.players))], true
}

func (s *simulator) findPlayer(name string) (protocol.PlayerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.players {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return protocol.PlayerInfo{}, false
}

func (s *simulator) removePlayer(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.players {
		if strings.EqualFold(p.Name, name) {
			s.players = append(s.players[:i], s.players[i+1:]...)
			return true
		}
	}
	return false
}

func (s *simulator) playerNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.players))
	for i, p := range s.players {
		names[i] = p.Name
	}
	return names
}

func (s *simulator) whitelistNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.whitelist))
	for _, n := range s.whitelist {
		names = append(names, n)
	}
	return names
}

// parseBanDuration accepts the connector shorthand: Go durations plus a day
// suffix ("7d", "36h", "2h30m"). Empty means permanent.
func parseBanDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil {
			return 0, fmt.Errorf("bad duration %q", raw)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q", raw)
	}
	return d, nil
}

// fakeUUID derives a stable fake uuid from the name so rejoin keeps identity.
func fakeUUID(name string) string {
	h := uint64(14695981039346656037)
	for _, b := range []byte(name) {
		h = (h ^ uint64(b)) * 1099511628211
	}
	raw := fmt.Sprintf("%016x%016x", h, h^0x5555555555555555)
	return raw[0:8] + "-" + raw[8:12] + "-" + raw[12:16] + "-" + raw[16:20] + "-" + raw[20:32]
}

func roundTo(v float64, places int) float64 {
	shift := 1.0
	for i := 0; i < places; i++ {
		shift *= 10
	}
	return float64(int64(v*shift+0.5)) / shift
}
