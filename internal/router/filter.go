package router

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
)

// defaultChatFormat renders group chat lines when a binding carries no
// messageFormat of its own.
const defaultChatFormat = "[{group}] {username}: {content}"

// applyFilters runs the binding's filter rules in order against one message.
// The returned content reflects any transforms; ok is false when a rule
// dropped the message.
func (r *Router) applyFilters(rules []model.FilterRule, msg GroupMessage) (string, bool) {
	content := msg.Content
	for _, rule := range rules {
		switch rule.Action {
		case "block":
			if r.triggers(rule, msg, content) {
				return "", false
			}
		case "allow":
			if !r.triggers(rule, msg, content) {
				return "", false
			}
		case "transform":
			content = r.transform(rule, content)
		}
	}
	return content, true
}

// triggers reports whether the rule's predicate matches the message.
func (r *Router) triggers(rule model.FilterRule, msg GroupMessage, content string) bool {
	switch rule.Type {
	case "regex":
		re, err := r.compiled(rule.Pattern)
		if err != nil {
			r.logger.Warn("unusable regex filter skipped", "pattern", rule.Pattern, "error", err)
			return false
		}
		return re.MatchString(content)
	case "keyword":
		return strings.Contains(strings.ToLower(content), strings.ToLower(rule.Pattern))
	case "user":
		return rule.Pattern == msg.UserID || strings.EqualFold(rule.Pattern, msg.Username)
	case "length":
		return utf8.RuneCountInString(content) > rule.MaxLength
	default:
		return false
	}
}

// transform rewrites content when the rule applies.
func (r *Router) transform(rule model.FilterRule, content string) string {
	switch rule.Type {
	case "regex":
		re, err := r.compiled(rule.Pattern)
		if err != nil {
			r.logger.Warn("unusable regex filter skipped", "pattern", rule.Pattern, "error", err)
			return content
		}
		return re.ReplaceAllString(content, rule.Replacement)
	case "keyword":
		re, err := r.compiled("(?i)" + regexp.QuoteMeta(rule.Pattern))
		if err != nil {
			return content
		}
		return re.ReplaceAllString(content, rule.Replacement)
	case "length":
		if rule.MaxLength > 0 && utf8.RuneCountInString(content) > rule.MaxLength {
			return string([]rune(content)[:rule.MaxLength])
		}
		return content
	default:
		// user rules have nothing to rewrite
		return content
	}
}

// compiled returns the cached compiled form of pattern. Binding validation
// compiles patterns at write time, so a miss here only ever compiles once.
func (r *Router) compiled(pattern string) (*regexp.Regexp, error) {
	r.regexMu.RLock()
	re, ok := r.regexes[pattern]
	r.regexMu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	r.regexMu.Lock()
	r.regexes[pattern] = re
	r.regexMu.Unlock()
	return re, nil
}

// placeholderPattern matches {name} template placeholders, including dotted
// data paths like {data.message}.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.-]+)\}`)

// expandTemplate substitutes placeholders via resolve. Unknown placeholders
// stay literal so a typo in a template is visible instead of silently blank.
func expandTemplate(tmpl string, resolve func(key string) (string, bool)) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := resolve(m[1 : len(m)-1]); ok {
			return v
		}
		return m
	})
}

// formatChat renders a group line for delivery into a server.
func formatChat(tmpl, group, username, content string) string {
	if tmpl == "" {
		tmpl = defaultChatFormat
	}
	return expandTemplate(tmpl, func(key string) (string, bool) {
		switch key {
		case "group":
			return group, true
		case "username":
			return username, true
		case "content":
			return content, true
		}
		return "", false
	})
}

// formatEvent renders a server event for delivery into a group.
func formatEvent(tmpl string, e events.Event) string {
	if tmpl == "" {
		tmpl = defaultEventTemplate(e.Type)
	}
	return expandTemplate(tmpl, func(key string) (string, bool) {
		switch key {
		case "server", "serverId":
			return e.ServerID, true
		case "eventType":
			return e.Type, true
		case "playerName":
			return playerName(e.Data)
		}
		if path, ok := strings.CutPrefix(key, "data."); ok {
			return dataField(e.Data, path)
		}
		return "", false
	})
}

// defaultEventTemplate covers bindings that set no eventFormat. Connector
// event data is free-form; these defaults lean on the common fields.
func defaultEventTemplate(eventType string) string {
	switch eventType {
	case protocol.EventPlayerChat:
		return "[{server}] <{playerName}> {data.message}"
	case protocol.EventPlayerJoin:
		return "[{server}] {playerName} joined"
	case protocol.EventPlayerQuit:
		return "[{server}] {playerName} left"
	case protocol.EventPlayerDeath:
		return "[{server}] {data.message}"
	case events.TypeServerConnected:
		return "[{server}] connected"
	case events.TypeServerDisconnected:
		return "[{server}] disconnected"
	default:
		return "[{server}] {eventType}"
	}
}

// playerName pulls the subject player out of event data, tolerating the
// field-name variation across connector implementations.
func playerName(data map[string]any) (string, bool) {
	for _, key := range []string{"playerName", "player", "name"} {
		if v, ok := data[key]; ok {
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

// dataField resolves a dotted path inside event data.
func dataField(data map[string]any, path string) (string, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	return fmt.Sprint(cur), true
}
