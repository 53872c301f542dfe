// Package bot is the group-chat command surface. An embedding program feeds
// it raw group messages; command lines (the mochi.* namespace) run against
// the service layer and return a plain-text reply, everything else routes to
// bound servers as chat.
//
// The package has no platform knowledge. Whatever bridges the chat platform
// implements Adapter for outbound sends and resolves platform users to
// operator identities before calling HandleMessage.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/router"
	"github.com/mochi-link/mochi/internal/service/ops"
	"github.com/mochi-link/mochi/internal/service/pending"
	"github.com/mochi-link/mochi/internal/service/servers"
	"github.com/mochi-link/mochi/internal/storage"
)

// Adapter delivers outbound messages to a chat group. The embedding program
// implements it; the router uses the same contract for event fan-out.
type Adapter interface {
	SendToGroup(ctx context.Context, groupID, message string) error
}

// Message is one inbound group line.
type Message struct {
	GroupID  string
	UserID   string
	Username string
	Content  string
}

// commandPrefix namespaces bot commands inside ordinary group chatter.
const commandPrefix = "mochi."

// handler runs one parsed command and returns the reply text.
type handler func(ctx context.Context, inv *invocation) (string, error)

// invocation is the parsed form of one command line.
type invocation struct {
	claims *auth.Claims
	meta   ctxutil.AuditMeta
	msg    Message
	args   []string
}

type command struct {
	name    string
	usage   string
	summary string
	run     handler
}

// Surface parses and executes group commands against the service layer.
type Surface struct {
	db      *storage.DB
	servers *servers.Service
	ops     *ops.Service
	pending *pending.Engine
	router  *router.Router
	logger  *slog.Logger

	commands map[string]command
	aliases  map[string]string
	order    []string // registration order, drives help output
}

// New creates the command surface.
func New(db *storage.DB, srv *servers.Service, opsSvc *ops.Service, eng *pending.Engine, rt *router.Router, logger *slog.Logger) *Surface {
	s := &Surface{
		db:       db,
		servers:  srv,
		ops:      opsSvc,
		pending:  eng,
		router:   rt,
		logger:   logger.With("component", "bot"),
		commands: make(map[string]command),
		aliases:  make(map[string]string),
	}
	s.register()
	return s
}

func (s *Surface) register() {
	add := func(c command, aliases ...string) {
		s.commands[c.name] = c
		s.order = append(s.order, c.name)
		for _, a := range aliases {
			s.aliases[a] = c.name
		}
	}

	add(command{"mochi.help", "mochi.help", "list commands", s.cmdHelp})
	add(command{"mochi.status", "mochi.status", "hub summary", s.cmdStatus})
	add(command{"mochi.server.list", "mochi.server.list", "list servers", s.cmdServerList}, "mochi.servers")
	add(command{"mochi.server.register", `mochi.server.register <id> "<name>" <java|bedrock> [plugin|rcon|terminal]`, "register a server", s.cmdServerRegister})
	add(command{"mochi.server.info", "mochi.server.info [server]", "server details", s.cmdServerInfo})
	add(command{"mochi.server.remove", "mochi.server.remove <server>", "delete a server", s.cmdServerRemove})
	add(command{"mochi.server.token", "mochi.server.token [-r] [server]", "show (or -r rotate) the connector token", s.cmdServerToken})
	add(command{"mochi.whitelist.add", "mochi.whitelist.add [server] <player>", "whitelist a player", s.cmdWhitelistAdd}, "mochi.wl.add")
	add(command{"mochi.whitelist.remove", "mochi.whitelist.remove [server] <player>", "unwhitelist a player", s.cmdWhitelistRemove}, "mochi.wl.remove")
	add(command{"mochi.whitelist.list", "mochi.whitelist.list [server]", "show the whitelist", s.cmdWhitelistList}, "mochi.wl.list")
	add(command{"mochi.player.list", "mochi.player.list [server]", "online players", s.cmdPlayerList}, "mochi.players")
	add(command{"mochi.player.kick", `mochi.player.kick [server] <player> [reason…]`, "kick a player", s.cmdPlayerKick}, "mochi.kick")
	add(command{"mochi.cmd", "mochi.cmd [server] <command…>", "run a console command", s.cmdExecute})
	add(command{"mochi.bind", "mochi.bind <server> [chat|event|command|monitoring|full]", "bind this group to a server", s.cmdBind})
	add(command{"mochi.unbind", "mochi.unbind <server> [type]", "remove a binding", s.cmdUnbind})
	add(command{"mochi.bindings", "mochi.bindings", "bindings for this group", s.cmdBindings})
	add(command{"mochi.pending", "mochi.pending [server]", "queued operations", s.cmdPending})
}

// HandleMessage processes one group line on behalf of the resolved operator.
// Command lines return a reply and true; anything else is forwarded to the
// router as group chat and returns false.
func (s *Surface) HandleMessage(ctx context.Context, claims *auth.Claims, msg Message) (string, bool) {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, commandPrefix) {
		if _, err := s.router.HandleGroupMessage(ctx, router.GroupMessage{
			GroupID:  msg.GroupID,
			UserID:   msg.UserID,
			Username: msg.Username,
			Content:  msg.Content,
		}); err != nil {
			s.logger.Warn("group chat routing failed", "group_id", msg.GroupID, "error", err)
		}
		return "", false
	}

	args := splitArgs(content)
	name := strings.ToLower(args[0])
	if canonical, ok := s.aliases[name]; ok {
		name = canonical
	}
	cmd, ok := s.commands[name]
	if !ok {
		return fmt.Sprintf("unknown command %q — try mochi.help", name), true
	}

	inv := &invocation{
		claims: claims,
		msg:    msg,
		args:   args[1:],
		meta: ctxutil.AuditMeta{
			RequestID: uuid.NewString(),
			UserID:    claims.UserID,
			Role:      string(claims.Role),
			UserAgent: "bot",
			Endpoint:  name,
		},
	}

	reply, err := cmd.run(ctx, inv)
	if err != nil {
		s.logger.Info("command failed",
			"command", name, "user_id", claims.UserID,
			"group_id", msg.GroupID, "error", err)
		return replyForError(cmd, err), true
	}
	return reply, true
}

// replyForError turns service errors into operator-readable lines.
func replyForError(cmd command, err error) string {
	switch {
	case errors.Is(err, authz.ErrDenied):
		return "you don't have permission to do that"
	case errors.Is(err, storage.ErrNotFound):
		return "not found: " + trimErr(err)
	case errors.Is(err, hub.ErrNotConnected):
		return "server is offline"
	case errors.Is(err, hub.ErrRequestTimeout):
		return "the server did not answer in time"
	case errors.Is(err, errUsage):
		return "usage: " + cmd.usage
	case errors.Is(err, servers.ErrInvalid),
		errors.Is(err, ops.ErrInvalid),
		errors.Is(err, router.ErrInvalid),
		errors.Is(err, ops.ErrCommandRejected),
		errors.Is(err, errAmbiguous):
		return trimErr(err)
	case errors.Is(err, storage.ErrDuplicateServer):
		return "a server with that id already exists"
	case errors.Is(err, storage.ErrDuplicateBinding):
		return "that binding already exists"
	default:
		return "something went wrong; the failure has been logged"
	}
}

// trimErr strips the sentinel prefix wrapping leaves on the message.
func trimErr(err error) string {
	msg := err.Error()
	for _, prefix := range []string{"invalid request: ", "storage: ", "authz: "} {
		msg = strings.TrimPrefix(msg, prefix)
	}
	return msg
}

// errUsage signals a malformed command line; the reply shows the usage string.
var errUsage = errors.New("bad usage")

// errAmbiguous reports that the group's default server cannot be resolved.
var errAmbiguous = errors.New("ambiguous server")

// resolveServer decides which server a command targets. An explicit leading
// argument that names a registered server wins; otherwise the group must be
// bound to exactly one server.
//
// The resolved server id and the remaining arguments are returned.
func (s *Surface) resolveServer(ctx context.Context, inv *invocation) (string, []string, error) {
	if len(inv.args) > 0 {
		if _, err := s.db.GetServer(ctx, inv.args[0]); err == nil {
			return inv.args[0], inv.args[1:], nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return "", nil, err
		}
	}

	id, err := s.defaultServer(ctx, inv.msg.GroupID)
	if err != nil {
		return "", nil, err
	}
	return id, inv.args, nil
}

// defaultServer resolves the group's implicit target: the single server its
// active chat/command/full bindings point at.
func (s *Surface) defaultServer(ctx context.Context, groupID string) (string, error) {
	bindings, err := s.db.ListBindings(ctx, groupID, "")
	if err != nil {
		return "", err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, b := range bindings {
		if b.Status != model.BindingActive {
			continue
		}
		switch b.BindingType {
		case model.BindingChat, model.BindingCommand, model.BindingFull:
		default:
			continue
		}
		if !seen[b.ServerID] {
			seen[b.ServerID] = true
			ids = append(ids, b.ServerID)
		}
	}

	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%w: no server is bound to this group; name one explicitly or bind with mochi.bind", errAmbiguous)
	case 1:
		return ids[0], nil
	default:
		sort.Strings(ids)
		return "", fmt.Errorf("%w: this group is bound to several servers; name one of: %s",
			errAmbiguous, strings.Join(ids, ", "))
	}
}
