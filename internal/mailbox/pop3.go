package mailbox

import (
	"fmt"
	"log/slog"

	"github.com/emersion/go-message"
	"github.com/knadh/go-pop3"
)

// maxSeenHistory bounds the stored UIDL history. POP3 has no server-side
// cursor, so the seen set is the only duplicate guard across polls.
const maxSeenHistory = 500

// pop3Fetch lists the mailbox via UIDL and retrieves every message whose UID
// is not in the seen set. The returned set contains only UIDs that were
// already seen and are still on the server, plus the ones retrieved on this
// pass; deleted mail ages out of the history naturally, and mail skipped by
// the batch limit or a failed RETR stays unseen for the next poll.
func pop3Fetch(log *slog.Logger, credentials map[string]any, seen map[string]struct{}, limit int) ([]parsedMail, []string, error) {
	host, _ := credentials["pop3_host"].(string)
	if host == "" {
		return nil, nil, fmt.Errorf("pop3_host is not configured")
	}
	port := intVal(credentials["pop3_port"], 995)
	username, _ := credentials["username"].(string)
	password, _ := credentials["password"].(string)
	security, _ := credentials["pop3_security"].(string)

	p := pop3.New(pop3.Opt{
		Host:       host,
		Port:       port,
		TLSEnabled: security != "none",
	})
	conn, err := p.NewConn()
	if err != nil {
		return nil, nil, fmt.Errorf("dial pop3: %w", err)
	}
	defer conn.Quit()

	if err := conn.Auth(username, password); err != nil {
		return nil, nil, fmt.Errorf("pop3 auth: %w", err)
	}

	ids, err := conn.Uidl(0)
	if err != nil {
		return nil, nil, fmt.Errorf("pop3 uidl: %w", err)
	}

	out, newSeen := pop3Collect(log, ids, seen, limit, conn.Retr)
	return out, newSeen, nil
}

// pop3Collect walks the UIDL listing and retrieves unseen messages up to
// limit. A UID enters the returned set only once its message was retrieved;
// an unparseable body still counts as seen because it will never parse on a
// later poll either.
func pop3Collect(log *slog.Logger, ids []pop3.MessageID, seen map[string]struct{}, limit int, retr func(msgID int) (*message.Entity, error)) ([]parsedMail, []string) {
	var out []parsedMail
	newSeen := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id.UID]; ok {
			newSeen = append(newSeen, id.UID)
			continue
		}
		if limit > 0 && len(out) >= limit {
			continue
		}
		entity, err := retr(id.ID)
		if err != nil {
			log.Warn("pop3 retr failed",
				slog.String("uid", id.UID),
				slog.String("error", err.Error()))
			continue
		}
		newSeen = append(newSeen, id.UID)
		parsed, err := parseEntity(entity)
		if err != nil {
			log.Warn("skip unparseable pop3 message",
				slog.String("uid", id.UID),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, parsed)
	}

	if len(newSeen) > maxSeenHistory {
		newSeen = newSeen[len(newSeen)-maxSeenHistory:]
	}
	return out, newSeen
}
