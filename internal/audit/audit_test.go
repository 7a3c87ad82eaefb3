package audit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

type countingSink struct {
	n   int
	err error
}

func (c *countingSink) Write(context.Context, signal.LedgerUpdate) error {
	c.n++
	return c.err
}

func TestMultiAttemptsEverySink(t *testing.T) {
	failing := &countingSink{err: errors.New("disk full")}
	ok := &countingSink{}
	err := Multi{failing, ok}.Write(context.Background(), sampleUpdate())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if failing.n != 1 || ok.n != 1 {
		t.Fatalf("expected both sinks written, got %d/%d", failing.n, ok.n)
	}
}

type fakeExec struct {
	sql  string
	args []any
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestPostgresSinkInsert(t *testing.T) {
	db := &fakeExec{}
	sink := &PostgresSink{db: db}
	if err := sink.Write(context.Background(), sampleUpdate()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(db.sql, "INSERT INTO ledger_updates") {
		t.Fatalf("unexpected sql: %s", db.sql)
	}
	if len(db.args) != 10 || db.args[1] != "BUY" || db.args[2] != "10.05" || db.args[5] != "50.25" {
		t.Fatalf("unexpected args: %v", db.args)
	}
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
	closed        bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPSinkPublishesPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	sink := &AMQPSink{channel: ch, exchange: "tradingpal.ledger"}
	if err := sink.Write(context.Background(), sampleUpdate()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ch.exchange != "tradingpal.ledger" || ch.key != "TELIA.ST" {
		t.Fatalf("unexpected routing %s/%s", ch.exchange, ch.key)
	}
	if ch.msg.DeliveryMode != amqp.Persistent || ch.msg.ContentType != "application/json" {
		t.Fatalf("unexpected publishing: %+v", ch.msg)
	}
	if !strings.Contains(string(ch.msg.Body), `"boughtAtPrice":"10.05"`) {
		t.Fatalf("unexpected body: %s", ch.msg.Body)
	}
	if err := (Multi{sink}).Close(); err != nil || !ch.closed {
		t.Fatalf("expected channel closed, err=%v", err)
	}
	if err := sink.Write(context.Background(), sampleUpdate()); err == nil {
		t.Fatalf("expected error after close")
	}
}
