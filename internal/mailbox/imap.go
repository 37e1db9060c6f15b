package mailbox

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// imapFetch opens a one-shot IMAP session and fetches messages with UIDs
// above lastUID. On the very first poll (lastUID zero) it only records the
// current high-water mark so historic mail is not re-ingested.
func imapFetch(log *slog.Logger, credentials map[string]any, lastUID uint32, limit int) ([]parsedMail, uint32, error) {
	host, _ := credentials["imap_host"].(string)
	if host == "" {
		return nil, lastUID, fmt.Errorf("imap_host is not configured")
	}
	port := intVal(credentials["imap_port"], 993)
	username, _ := credentials["username"].(string)
	password, _ := credentials["password"].(string)
	security, _ := credentials["imap_security"].(string)

	addr := fmt.Sprintf("%s:%d", host, port)
	opts := &imapclient.Options{TLSConfig: &tls.Config{ServerName: host}}

	var client *imapclient.Client
	var err error
	switch security {
	case "starttls":
		client, err = imapclient.DialStartTLS(addr, opts)
	case "none":
		client, err = imapclient.DialInsecure(addr, opts)
	default:
		client, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return nil, lastUID, fmt.Errorf("dial imap: %w", err)
	}
	defer client.Close()

	if err := client.Login(username, password).Wait(); err != nil {
		return nil, lastUID, fmt.Errorf("imap login: %w", err)
	}
	defer client.Logout()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, lastUID, fmt.Errorf("select inbox: %w", err)
	}

	var uidSet imap.UIDSet
	if lastUID > 0 {
		uidSet.AddRange(imap.UID(lastUID+1), 0)
	} else {
		uidSet.AddRange(1, 0)
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	batch := &imapBatch{firstRun: lastUID == 0, limit: limit, highest: lastUID, logger: log}
	for {
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil {
			continue
		}
		var body []byte
		if len(buf.BodySection) > 0 {
			body = buf.BodySection[0].Bytes
		}
		batch.add(uint32(buf.UID), body)
	}

	return batch.out, batch.highest, nil
}

// imapBatch accumulates one poll's messages and tracks the UID cursor. The
// high-water mark only moves over messages that were consumed or are
// permanently unreadable, so a batch-limit cut-off resumes where it stopped.
// On the first run it snapshots the whole mailbox without ingesting.
type imapBatch struct {
	firstRun bool
	limit    int
	highest  uint32
	out      []parsedMail
	logger   *slog.Logger
}

func (b *imapBatch) add(uid uint32, body []byte) {
	if b.firstRun {
		b.advance(uid)
		return
	}
	if b.limit > 0 && len(b.out) >= b.limit {
		return
	}
	if len(body) == 0 {
		b.advance(uid)
		return
	}
	parsed, err := parseRaw(body)
	if err != nil {
		b.logger.Warn("skip unparseable imap message",
			slog.Uint64("uid", uint64(uid)),
			slog.String("error", err.Error()))
		b.advance(uid)
		return
	}
	b.out = append(b.out, parsed)
	b.advance(uid)
}

func (b *imapBatch) advance(uid uint32) {
	if uid > b.highest {
		b.highest = uid
	}
}

func intVal(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return fallback
	}
}
