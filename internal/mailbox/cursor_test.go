package mailbox

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/emersion/go-message"
	"github.com/knadh/go-pop3"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mailEntity(t *testing.T, raw string) *message.Entity {
	t.Helper()
	entity, err := message.Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("read mail: %v", err)
	}
	return entity
}

func TestPop3CollectLimitLeavesSkippedUnseen(t *testing.T) {
	t.Parallel()

	ids := []pop3.MessageID{
		{ID: 1, UID: "uid-a"},
		{ID: 2, UID: "uid-b"},
	}
	out, newSeen := pop3Collect(discardLog(), ids, map[string]struct{}{}, 1, func(int) (*message.Entity, error) {
		return mailEntity(t, multipartMail), nil
	})
	if len(out) != 1 {
		t.Fatalf("expected one message within the limit, got %d", len(out))
	}
	if len(newSeen) != 1 || newSeen[0] != "uid-a" {
		t.Fatalf("only the retrieved uid may enter the seen set, got %v", newSeen)
	}
}

func TestPop3CollectFailedRetrStaysUnseen(t *testing.T) {
	t.Parallel()

	ids := []pop3.MessageID{{ID: 1, UID: "uid-a"}}
	out, newSeen := pop3Collect(discardLog(), ids, map[string]struct{}{}, 0, func(int) (*message.Entity, error) {
		return nil, fmt.Errorf("connection reset")
	})
	if len(out) != 0 {
		t.Fatalf("no message should be returned, got %d", len(out))
	}
	if len(newSeen) != 0 {
		t.Fatalf("a failed retrieval must stay unseen, got %v", newSeen)
	}
}

func TestPop3CollectSkipsAlreadySeen(t *testing.T) {
	t.Parallel()

	ids := []pop3.MessageID{
		{ID: 1, UID: "uid-a"},
		{ID: 2, UID: "uid-b"},
	}
	retrieved := 0
	out, newSeen := pop3Collect(discardLog(), ids, map[string]struct{}{"uid-a": {}}, 0, func(int) (*message.Entity, error) {
		retrieved++
		return mailEntity(t, multipartMail), nil
	})
	if retrieved != 1 {
		t.Fatalf("seen messages must not be retrieved again, got %d retrievals", retrieved)
	}
	if len(out) != 1 {
		t.Fatalf("expected one new message, got %d", len(out))
	}
	if len(newSeen) != 2 {
		t.Fatalf("seen uids still on the server stay in the set, got %v", newSeen)
	}
}

func TestPop3CollectUnparseableCountsSeen(t *testing.T) {
	t.Parallel()

	ids := []pop3.MessageID{{ID: 1, UID: "uid-a"}}
	out, newSeen := pop3Collect(discardLog(), ids, map[string]struct{}{}, 0, func(int) (*message.Entity, error) {
		return mailEntity(t, "Subject: anonymous\r\n\r\nno sender\r\n"), nil
	})
	if len(out) != 0 {
		t.Fatalf("unparseable mail must not be returned, got %d", len(out))
	}
	if len(newSeen) != 1 || newSeen[0] != "uid-a" {
		t.Fatalf("unparseable mail never parses later and counts as seen, got %v", newSeen)
	}
}

func TestImapBatchFirstRunSnapshotsCursor(t *testing.T) {
	t.Parallel()

	b := &imapBatch{firstRun: true, logger: discardLog()}
	b.add(3, []byte(multipartMail))
	b.add(7, []byte(multipartMail))
	if len(b.out) != 0 {
		t.Fatalf("first run must not ingest, got %d messages", len(b.out))
	}
	if b.highest != 7 {
		t.Fatalf("first run should record the high-water mark, got %d", b.highest)
	}
}

func TestImapBatchLimitHoldsCursor(t *testing.T) {
	t.Parallel()

	b := &imapBatch{limit: 1, highest: 10, logger: discardLog()}
	b.add(11, []byte(multipartMail))
	b.add(12, []byte(multipartMail))
	if len(b.out) != 1 {
		t.Fatalf("expected one message within the limit, got %d", len(b.out))
	}
	if b.highest != 11 {
		t.Fatalf("cursor must stop at the last ingested uid, got %d", b.highest)
	}
}

func TestImapBatchAdvancesOverUnreadable(t *testing.T) {
	t.Parallel()

	b := &imapBatch{highest: 10, logger: discardLog()}
	b.add(11, nil)
	b.add(12, []byte("Subject: anonymous\r\n\r\nno sender\r\n"))
	if len(b.out) != 0 {
		t.Fatalf("unreadable messages must not be returned, got %d", len(b.out))
	}
	if b.highest != 12 {
		t.Fatalf("cursor should advance over permanently unreadable mail, got %d", b.highest)
	}
}
