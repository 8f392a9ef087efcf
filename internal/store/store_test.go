package store

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	iofs "github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/neurosift/nschat/internal/store/migrations"
)

// openTestStore connects to NSCHAT_TEST_DATABASE_URL and migrates it. Tests
// that need it are skipped when no database is configured or reachable.
func openTestStore(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("NSCHAT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("NSCHAT_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	if err := Migrate(ctx, p.DB()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return p
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	var up, down int
	for _, e := range entries {
		switch {
		case len(e.Name()) > 7 && e.Name()[len(e.Name())-7:] == ".up.sql":
			up++
		case len(e.Name()) > 9 && e.Name()[len(e.Name())-9:] == ".down.sql":
			down++
		}
	}
	if up == 0 || up != down {
		t.Errorf("expected matching up/down migrations, got up=%d down=%d", up, down)
	}
}

func readMigration(t *testing.T, r io.ReadCloser) string {
	t.Helper()
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	return string(b)
}

func TestMigrationSourceCreatesDocumentsTable(t *testing.T) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		t.Fatalf("iofs.New failed: %v", err)
	}
	defer src.Close()

	first, err := src.First()
	if err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected first migration 1, got %d", first)
	}

	r, ident, err := src.ReadUp(first)
	if err != nil {
		t.Fatalf("ReadUp failed: %v", err)
	}
	if ident != "create_documents" {
		t.Errorf("unexpected identifier %q", ident)
	}
	up := readMigration(t, r)
	for _, want := range []string{"CREATE TABLE", "documents", "doc_id", "TEXT PRIMARY KEY", "content", "version", "DEFAULT 1", "created_at", "updated_at"} {
		if !strings.Contains(up, want) {
			t.Errorf("up migration missing %q:\n%s", want, up)
		}
	}

	r, _, err = src.ReadDown(first)
	if err != nil {
		t.Fatalf("ReadDown failed: %v", err)
	}
	if down := readMigration(t, r); !strings.Contains(down, "DROP TABLE IF EXISTS documents") {
		t.Errorf("down migration does not drop documents:\n%s", down)
	}

	if _, err := src.Next(first); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected a single migration, Next returned %v", err)
	}
}

func TestLoadMissingWithFakeDB(t *testing.T) {
	db := newFakeDB()
	p := NewPostgres(db.open())
	defer p.Close()

	if _, err := p.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Load, got %v", err)
	}
	if _, err := p.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Get, got %v", err)
	}
}

func TestSaveBumpsVersionWithFakeDB(t *testing.T) {
	db := newFakeDB()
	p := NewPostgres(db.open())
	defer p.Close()
	ctx := context.Background()

	if err := p.Save(ctx, "doc", "{\n  \"messages\": []\n}"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := p.Load(ctx, "doc")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != "{\n  \"messages\": []\n}" {
		t.Errorf("unexpected content %q", got)
	}

	if err := p.Save(ctx, "doc", "{}"); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	doc, err := p.Get(ctx, "doc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc.ID != "doc" || doc.Content != "{}" || doc.Version != 2 {
		t.Errorf("unexpected document after update: %+v", doc)
	}
	if doc.UpdatedAt.Before(doc.CreatedAt) {
		t.Errorf("updated_at %v before created_at %v", doc.UpdatedAt, doc.CreatedAt)
	}
}

func TestDeleteWithFakeDB(t *testing.T) {
	db := newFakeDB()
	p := NewPostgres(db.open())
	defer p.Close()
	ctx := context.Background()

	if err := p.Delete(ctx, "doc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing document, got %v", err)
	}
	if err := p.Save(ctx, "doc", "{}"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := p.Delete(ctx, "doc"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := db.row("doc"); ok {
		t.Fatal("row still present after Delete")
	}
}

func TestDriverErrorsAreWrapped(t *testing.T) {
	db := newFakeDB()
	p := NewPostgres(db.open())
	defer p.Close()
	ctx := context.Background()

	boom := errors.New("connection reset")
	db.fail(boom)

	if _, err := p.Load(ctx, "doc"); !errors.Is(err, boom) || errors.Is(err, ErrNotFound) {
		t.Errorf("Load: expected wrapped driver error, got %v", err)
	}
	if err := p.Save(ctx, "doc", "{}"); !errors.Is(err, boom) || !strings.Contains(err.Error(), "store: save doc") {
		t.Errorf("Save: expected wrapped driver error, got %v", err)
	}
	if err := p.Delete(ctx, "doc"); !errors.Is(err, boom) {
		t.Errorf("Delete: expected wrapped driver error, got %v", err)
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	p := openTestStore(t)
	ctx := context.Background()
	id := "test-" + uuid.NewString()
	t.Cleanup(func() { _ = p.Delete(context.Background(), id) })

	if _, err := p.Load(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	content := "{\n  \"messages\": []\n}"
	if err := p.Save(ctx, id, content); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := p.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != content {
		t.Errorf("expected %q, got %q", content, got)
	}

	if err := p.Save(ctx, id, "{}"); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	doc, err := p.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc.Version != 2 || doc.Content != "{}" {
		t.Errorf("unexpected document after update: %+v", doc)
	}
}

func TestDeleteMissing(t *testing.T) {
	p := openTestStore(t)
	if err := p.Delete(context.Background(), "missing-"+uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
