package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/mochi-link/mochi/internal/model"
)

func (s *Surface) cmdHelp(_ context.Context, _ *invocation) (string, error) {
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, name := range s.order {
		c := s.commands[name]
		fmt.Fprintf(&b, "  %s — %s\n", c.usage, c.summary)
	}
	b.WriteString("aliases: mochi.wl.* → mochi.whitelist.*, mochi.servers, mochi.players, mochi.kick")
	return b.String(), nil
}

func (s *Surface) cmdStatus(ctx context.Context, _ *invocation) (string, error) {
	byStatus, err := s.db.CountServersByStatus(ctx)
	if err != nil {
		return "", err
	}
	total := 0
	for _, n := range byStatus {
		total += n
	}

	pendingByStatus, err := s.pending.Stats(ctx)
	if err != nil {
		return "", err
	}

	rs := s.router.Stats()
	return fmt.Sprintf("servers: %d total, %d online · pending ops: %d queued · chat routed: %d in / %d out",
		total, byStatus[model.StatusOnline],
		pendingByStatus[model.PendingQueued],
		rs.MessagesIn, rs.MessagesOut), nil
}

func (s *Surface) cmdServerList(ctx context.Context, inv *invocation) (string, error) {
	list, total, err := s.servers.List(ctx, inv.claims, model.ServerFilter{}, 50, 0)
	if err != nil {
		return "", err
	}
	if total == 0 {
		return "no servers registered", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d server(s):\n", total)
	for _, srv := range list {
		fmt.Fprintf(&b, "  %s — %s [%s]\n", srv.ID, srv.Name, srv.Status)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Surface) cmdServerRegister(ctx context.Context, inv *invocation) (string, error) {
	if len(inv.args) < 3 {
		return "", errUsage
	}
	req := model.RegisterServerRequest{
		ID:             inv.args[0],
		Name:           inv.args[1],
		CoreType:       inv.args[2],
		CoreName:       "unknown",
		ConnectionMode: string(model.ModePlugin),
	}
	if len(inv.args) > 3 {
		req.ConnectionMode = inv.args[3]
	}

	reg, err := s.servers.Register(ctx, inv.claims, inv.meta, req)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("registered %s (%s)\nconnector token (shown once): %s",
		reg.ID, reg.Name, reg.Token), nil
}

func (s *Surface) cmdServerInfo(ctx context.Context, inv *invocation) (string, error) {
	serverID, rest, err := s.resolveServer(ctx, inv)
	if err != nil {
		return "", err
	}
	if len(rest) > 0 {
		return "", errUsage
	}

	srv, err := s.servers.Get(ctx, inv.claims, serverID)
	if err != nil {
		return "", err
	}
	st, err := s.servers.Status(ctx, inv.claims, serverID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s — %s\n", srv.ID, srv.Name)
	fmt.Fprintf(&b, "  core: %s %s %s · mode: %s · status: %s",
		srv.CoreType, srv.CoreName, srv.CoreVersion, srv.ConnectionMode, st.Status)
	if st.PlayerCount != nil {
		fmt.Fprintf(&b, "\n  players: %d", *st.PlayerCount)
		if st.MaxPlayers != nil {
			fmt.Fprintf(&b, "/%d", *st.MaxPlayers)
		}
	}
	if st.TPS != nil {
		fmt.Fprintf(&b, " · tps: %.1f", *st.TPS)
	}
	if st.LastSeen != nil {
		fmt.Fprintf(&b, "\n  last seen: %s", st.LastSeen.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return b.String(), nil
}

func (s *Surface) cmdServerRemove(ctx context.Context, inv *invocation) (string, error) {
	// deletion never falls back to the group default; the id must be typed out
	if len(inv.args) != 1 {
		return "", errUsage
	}
	id := inv.args[0]
	if err := s.servers.Delete(ctx, inv.claims, inv.meta, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("server %s deleted", id), nil
}

func (s *Surface) cmdServerToken(ctx context.Context, inv *invocation) (string, error) {
	rotate, args := popFlag(inv.args, "-r")
	inv.args = args

	serverID, rest, err := s.resolveServer(ctx, inv)
	if err != nil {
		return "", err
	}
	if len(rest) > 0 {
		return "", errUsage
	}

	if rotate {
		tok, err := s.servers.RotateToken(ctx, inv.claims, inv.meta, serverID, model.TokenOptions{})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("token for %s rotated — update the connector:\n%s", serverID, tok.Token), nil
	}

	tok, err := s.servers.Token(ctx, inv.claims, serverID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("token for %s:\n%s", serverID, tok.Token), nil
}

func (s *Surface) cmdWhitelistAdd(ctx context.Context, inv *invocation) (string, error) {
	serverID, rest, err := s.resolveServer(ctx, inv)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errUsage
	}

	queued, err := s.ops.WhitelistAdd(ctx, inv.claims, inv.meta, serverID, rest[0])
	if err != nil {
		return "", err
	}
	if queued {
		return fmt.Sprintf("%s is offline — whitelist add for %s queued", serverID, rest[0]), nil
	}
	return fmt.Sprintf("%s whitelisted on %s", rest[0], serverID), nil
}

func (s *Surface) cmdWhitelistRemove(ctx context.Context, inv *invocation) (string, error) {
	serverID, rest, err := s.resolveServer(ctx, inv)
	if err != nil {
		return "", err
	}
	if len(rest) != 1 {
		return "", errUsage
	}

	queued, err := s.ops.WhitelistRemove(ctx, inv.claims, inv.meta, serverID, rest[0])
	if err != nil {
		return "", err
	}
	if queued {
		return fmt.Sprintf("%s is offline — whitelist remove for %s queued", serverID, rest[0]), nil
	}
	return fmt.Sprintf("%s removed from the whitelist on %s", rest[0], serverID), nil
}

func (s *Surface) cmdWhitelistList(ctx context.Context, inv *invocation) (string, error) {
	serverID, rest, err := s.resolveServer(ctx, inv)
	if err != nil {
		return "", err
	}
	if len(rest) > 0 {
		return "", errUsage
	}

	players, stale, err := s.ops.WhitelistList(ctx, inv.claims, serverID)
	if err != nil {
		return "", err
	}
	if len(players) == 0 {
		if stale {
			return fmt.Sprintf("%s is offline and no whitelist is cached", serverID), nil
		}
		return fmt.Sprintf("whitelist on %s is empty", serverID), nil
	}

	line := fmt.Sprintf("whitelist on %s (%d): %s", serverID, len(players), strings.Join(players, ", "))
	if stale {
		line += " (cached — server offline)"
	}
	return line, nil
}

func (s *Surface) cmdPlayerList(ctx context.Context, inv *invocation) (string, error) {
	serverID, rest, err := s.resolveServer(ctx, inv)
	if err != nil {
		return "", err
	}
	if len(rest) > 0 {
		return "", errUsage
	}

	players, stale, err := s.ops.PlayerListOnline(ctx, inv.claims, serverID)
	if err != nil {
		return "", err
	}
	if stale {
		return fmt.Sprintf("%s is offline", serverID), nil
	}
	if len(players) == 0 {
		return fmt.Sprintf("no players online on %s", serverID), nil
	}

	names := make([]string, len(players))
	for i, p := range players {
		names[i] = p.Name
	}
	return fmt.Sprintf("online on %s (%d): %s", serverID, len(names), strings.Join(names, ", ")), nil
}

func (s *Surface) cmdPlayerKick(ctx context.Context, inv *invocation) (string, error) {
	serverID, rest, err := s.resolveServer(ctx, inv)
	if err != nil {
		return "", err
	}
	if len(rest) == 0 {
		return "", errUsage
	}
	player := rest[0]
	reason := strings.Join(rest[1:], " ")

	queued, err := s.ops.PlayerKick(ctx, inv.claims, inv.meta, serverID, player, reason)
	if err != nil {
		return "", err
	}
	if queued {
		return fmt.Sprintf("%s is offline — kick for %s queued", serverID, player), nil
	}
	return fmt.Sprintf("%s kicked from %s", player, serverID), nil
}

func (s *Surface) cmdExecute(ctx context.Context, inv *invocation) (string, error) {
	serverID, rest, err := s.resolveServer(ctx, inv)
	if err != nil {
		return "", err
	}
	if len(rest) == 0 {
		return "", errUsage
	}

	res, err := s.ops.CommandExecute(ctx, inv.claims, inv.meta, serverID, model.CommandRequest{
		Command: strings.Join(rest, " "),
	})
	if err != nil {
		return "", err
	}
	if res.Queued {
		return fmt.Sprintf("%s is offline — command queued", serverID), nil
	}
	if res.Output == "" {
		return fmt.Sprintf("command ran on %s (no output)", serverID), nil
	}
	return res.Output, nil
}

func (s *Surface) cmdBind(ctx context.Context, inv *invocation) (string, error) {
	if len(inv.args) < 1 || len(inv.args) > 2 {
		return "", errUsage
	}
	serverID := inv.args[0]
	bindingType := string(model.BindingChat)
	if len(inv.args) == 2 {
		bindingType = inv.args[1]
	}

	// chat bindings created from inside a group are conversational both ways
	cfg := model.BindingConfig{Enabled: true, Bidirectional: true}
	b, err := s.router.CreateBinding(ctx, inv.claims, inv.meta, model.CreateBindingRequest{
		GroupID:     inv.msg.GroupID,
		ServerID:    serverID,
		BindingType: bindingType,
		Config:      &cfg,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("bound this group to %s (%s)", b.ServerID, b.BindingType), nil
}

func (s *Surface) cmdUnbind(ctx context.Context, inv *invocation) (string, error) {
	if len(inv.args) < 1 || len(inv.args) > 2 {
		return "", errUsage
	}
	serverID := inv.args[0]
	bindingType := model.BindingChat
	if len(inv.args) == 2 {
		t, err := model.ParseBindingType(inv.args[1])
		if err != nil {
			return "", errUsage
		}
		bindingType = t
	}

	if err := s.router.Unbind(ctx, inv.claims, inv.meta, inv.msg.GroupID, serverID, bindingType); err != nil {
		return "", err
	}
	return fmt.Sprintf("unbound %s (%s) from this group", serverID, bindingType), nil
}

func (s *Surface) cmdBindings(ctx context.Context, inv *invocation) (string, error) {
	bindings, err := s.router.ListBindings(ctx, inv.claims, inv.msg.GroupID, "")
	if err != nil {
		return "", err
	}
	if len(bindings) == 0 {
		return "this group has no bindings", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d binding(s):\n", len(bindings))
	for _, bind := range bindings {
		fmt.Fprintf(&b, "  %s (%s) [%s]\n", bind.ServerID, bind.BindingType, bind.Status)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Surface) cmdPending(ctx context.Context, inv *invocation) (string, error) {
	serverID, rest, err := s.resolveServer(ctx, inv)
	if err != nil {
		return "", err
	}
	if len(rest) > 0 {
		return "", errUsage
	}

	list, total, err := s.pending.List(ctx, inv.claims, serverID,
		[]model.PendingStatus{model.PendingQueued, model.PendingRunning}, 20, 0)
	if err != nil {
		return "", err
	}
	if total == 0 {
		return fmt.Sprintf("no pending operations for %s", serverID), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d pending operation(s) for %s:\n", total, serverID)
	for _, op := range list {
		fmt.Fprintf(&b, "  %s %s %q (%s)\n", op.CreatedAt.UTC().Format("01-02 15:04"), op.OperationType, op.Target, op.Status)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
