package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libranexus/lending/internal/clock"
	"libranexus/lending/internal/lending"
	"libranexus/lending/internal/store"
)

// service implements the Service interface.
type service struct {
	db       *store.DB
	recorder lending.Recorder
	promoter Promoter
	now      clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(db *store.DB, recorder lending.Recorder, promoter Promoter, now clock.Clock, logger *slog.Logger) Service {
	return &service{
		db:       db,
		recorder: recorder,
		promoter: promoter,
		now:      now,
		logger:   logger,
		tracer:   otel.Tracer("libranexus/catalog"),
	}
}

var copyColumns = []interface{}{"id", "book_id", "available", "retired_at", "created_at"}

// AddBook creates a book together with its authors and initial copies.
func (s *service) AddBook(ctx context.Context, actor uuid.UUID, nb NewBook) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_book")
	defer span.End()

	if err := nb.normalize(); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate book id: %w", err)
	}
	now := s.now()

	err = s.db.WithTx(ctx, "catalog.add_book", func(ctx context.Context, tx *store.Tx) error {
		if err := ensureActor(ctx, tx, actor); err != nil {
			return err
		}
		ins := tx.Builder().Insert("books").Rows(goqu.Record{
			"id":             id,
			"isbn":           nb.ISBN,
			"title":          nb.Title,
			"publisher":      nb.Publisher,
			"genre":          nb.Genre,
			"language":       nb.Language,
			"published_year": nb.PublishedYear,
			"created_at":     now,
			"updated_at":     now,
		})
		if _, err := store.Exec(ctx, tx, ins); err != nil {
			return fmt.Errorf("insert book: %w", err)
		}
		if err := replaceAuthors(ctx, tx, id, nb.Authors); err != nil {
			return err
		}
		for i := 0; i < nb.Copies; i++ {
			if _, err := s.insertCopy(ctx, tx, id, now); err != nil {
				return err
			}
		}
		return s.recorder.Append(ctx, tx, actor,
			fmt.Sprintf("Added book %s %q with %d copies", id, nb.Title, nb.Copies))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("book.id", id.String()), attribute.Int("copies", nb.Copies))
	s.logger.Info("book added", "book_id", id, "title", nb.Title, "copies", nb.Copies, "actor", actor)
	return s.GetBook(ctx, id)
}

// GetBook returns a book with its authors, copies and copy counts.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.get_book",
		trace.WithAttributes(attribute.String("book.id", id.String())))
	defer span.End()

	book, err := store.Retry(ctx, func() (*Book, error) {
		var b Book
		if err := store.Get(ctx, s.db, &b, s.bookQuery().Where(goqu.I("b.id").Eq(id))); err != nil {
			return nil, err
		}
		return &b, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}

	books := []Book{*book}
	if err := s.loadAuthors(ctx, books); err != nil {
		return nil, err
	}
	book = &books[0]

	copies := s.db.Builder().From("copies").
		Select(copyColumns...).
		Where(goqu.C("book_id").Eq(id)).
		Order(goqu.C("id").Asc())
	book.Copies, err = store.Retry(ctx, func() ([]Copy, error) {
		var out []Copy
		err := store.Select(ctx, s.db, &out, copies)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("list copies: %w", err)
	}
	return book, nil
}

// ListBooks returns a page of books in title order, without copy details.
func (s *service) ListBooks(ctx context.Context, opts ListOptions) ([]Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.list_books")
	defer span.End()

	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	ds := s.bookQuery().
		Order(goqu.I("b.title").Asc(), goqu.I("b.id").Asc()).
		Limit(uint(limit)).
		Offset(uint(offset))

	books, err := store.Retry(ctx, func() ([]Book, error) {
		var out []Book
		err := store.Select(ctx, s.db, &out, ds)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	if err := s.loadAuthors(ctx, books); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("books.loaded", len(books)))
	return books, nil
}

// UpdateBook changes book metadata. Copies are managed separately.
func (s *service) UpdateBook(ctx context.Context, actor, id uuid.UUID, patch BookPatch) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.update_book",
		trace.WithAttributes(attribute.String("book.id", id.String())))
	defer span.End()

	if err := patch.normalize(); err != nil {
		return nil, err
	}

	rec := goqu.Record{"updated_at": s.now()}
	set := func(col string, v interface{}) { rec[col] = v }
	if patch.ISBN != nil {
		set("isbn", *patch.ISBN)
	}
	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Publisher != nil {
		set("publisher", *patch.Publisher)
	}
	if patch.Genre != nil {
		set("genre", *patch.Genre)
	}
	if patch.Language != nil {
		set("language", *patch.Language)
	}
	if patch.PublishedYear != nil {
		set("published_year", *patch.PublishedYear)
	}

	err := s.db.WithTx(ctx, "catalog.update_book", func(ctx context.Context, tx *store.Tx) error {
		if err := ensureActor(ctx, tx, actor); err != nil {
			return err
		}
		upd := tx.Builder().Update("books").Set(rec).Where(goqu.C("id").Eq(id))
		n, err := store.Exec(ctx, tx, upd)
		if err != nil {
			return fmt.Errorf("update book: %w", err)
		}
		if n == 0 {
			return ErrBookNotFound
		}
		if patch.Authors != nil {
			if err := replaceAuthors(ctx, tx, id, *patch.Authors); err != nil {
				return err
			}
		}
		return s.recorder.Append(ctx, tx, actor, fmt.Sprintf("Updated book %s", id))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.GetBook(ctx, id)
}

// DeleteBook removes a book that never had copies and has nobody waiting
// for it. Books with copy history are kept so their loans and fines stay
// resolvable; retire the copies instead.
func (s *service) DeleteBook(ctx context.Context, actor, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "catalog.delete_book",
		trace.WithAttributes(attribute.String("book.id", id.String())))
	defer span.End()

	err := s.db.WithTx(ctx, "catalog.delete_book", func(ctx context.Context, tx *store.Tx) error {
		if err := ensureActor(ctx, tx, actor); err != nil {
			return err
		}
		var title string
		ds := tx.Builder().From("books").Select("title").Where(goqu.C("id").Eq(id))
		if err := store.Get(ctx, tx, &title, tx.ForUpdate(ds, false)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrBookNotFound
			}
			return fmt.Errorf("lock book: %w", err)
		}

		for _, table := range []string{"copies", "reservations"} {
			var n int
			count := tx.Builder().From(table).Select(goqu.COUNT("*")).Where(goqu.C("book_id").Eq(id))
			if err := store.Get(ctx, tx, &n, count); err != nil {
				return fmt.Errorf("count %s: %w", table, err)
			}
			if n > 0 {
				return ErrBookInUse
			}
		}

		if _, err := store.Exec(ctx, tx, tx.Builder().Delete("book_authors").Where(goqu.C("book_id").Eq(id))); err != nil {
			return fmt.Errorf("delete authors: %w", err)
		}
		if _, err := store.Exec(ctx, tx, tx.Builder().Delete("books").Where(goqu.C("id").Eq(id))); err != nil {
			return fmt.Errorf("delete book: %w", err)
		}
		return s.recorder.Append(ctx, tx, actor, fmt.Sprintf("Deleted book %s %q", id, title))
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	s.logger.Info("book deleted", "book_id", id, "actor", actor)
	return nil
}

// AddCopy shelves a new copy of bookID and then offers it to the book's
// reservation queue.
func (s *service) AddCopy(ctx context.Context, actor, bookID uuid.UUID) (*CopyAdded, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_copy",
		trace.WithAttributes(attribute.String("book.id", bookID.String())))
	defer span.End()

	var c *Copy
	err := s.db.WithTx(ctx, "catalog.add_copy", func(ctx context.Context, tx *store.Tx) error {
		if err := ensureActor(ctx, tx, actor); err != nil {
			return err
		}
		if err := ensureBook(ctx, tx, bookID); err != nil {
			return err
		}
		var err error
		if c, err = s.insertCopy(ctx, tx, bookID, s.now()); err != nil {
			return err
		}
		return s.recorder.Append(ctx, tx, actor, fmt.Sprintf("Added copy %s of book %s", c.ID, bookID))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("copy added", "book_id", bookID, "copy_id", c.ID, "actor", actor)

	out := &CopyAdded{Copy: *c}
	promo, err := s.promoter.Promote(ctx, bookID)
	switch {
	case err == nil:
		out.Promotion = promo
		// The copy went straight out again.
		out.Copy.Available = promo.Loan.CopyID != c.ID
	case errors.Is(err, lending.ErrNoReserver):
	case errors.Is(err, lending.ErrAllocationFailed):
		s.logger.Info("new copy claimed before promotion", "book_id", bookID)
	default:
		// The copy is shelved either way; the next return retries the queue.
		s.logger.Warn("promotion after adding copy failed", "book_id", bookID, "error", err)
	}
	return out, nil
}

// RetireCopy takes one shelved copy of bookID out of circulation. Copies on
// loan cannot be retired.
func (s *service) RetireCopy(ctx context.Context, actor, bookID uuid.UUID) (*Copy, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.retire_copy",
		trace.WithAttributes(attribute.String("book.id", bookID.String())))
	defer span.End()

	var c Copy
	err := s.db.WithTx(ctx, "catalog.retire_copy", func(ctx context.Context, tx *store.Tx) error {
		if err := ensureActor(ctx, tx, actor); err != nil {
			return err
		}
		if err := ensureBook(ctx, tx, bookID); err != nil {
			return err
		}
		ds := tx.Builder().From("copies").
			Select(copyColumns...).
			Where(
				goqu.C("book_id").Eq(bookID),
				goqu.C("available").IsTrue(),
				goqu.C("retired_at").IsNull(),
			).
			Order(goqu.C("id").Desc()).
			Limit(1)
		if err := store.Get(ctx, tx, &c, tx.ForUpdate(ds, true)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNoFreeCopy
			}
			return fmt.Errorf("find shelved copy: %w", err)
		}

		now := s.now()
		upd := tx.Builder().Update("copies").
			Set(goqu.Record{"retired_at": now}).
			Where(
				goqu.C("id").Eq(c.ID),
				goqu.C("available").IsTrue(),
				goqu.C("retired_at").IsNull(),
			)
		n, err := store.Exec(ctx, tx, upd)
		if err != nil {
			return fmt.Errorf("retire copy: %w", err)
		}
		if n == 0 {
			return ErrNoFreeCopy
		}
		c.RetiredAt = &now
		return s.recorder.Append(ctx, tx, actor, fmt.Sprintf("Retired copy %s of book %s", c.ID, bookID))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("copy retired", "book_id", bookID, "copy_id", c.ID, "actor", actor)
	return &c, nil
}

func (s *service) bookQuery() *goqu.SelectDataset {
	return s.db.Builder().From(goqu.T("books").As("b")).Select(
		goqu.I("b.id"), goqu.I("b.isbn"), goqu.I("b.title"), goqu.I("b.publisher"),
		goqu.I("b.genre"), goqu.I("b.language"), goqu.I("b.published_year"),
		goqu.I("b.created_at"), goqu.I("b.updated_at"),
		goqu.L("(SELECT COUNT(*) FROM copies c WHERE c.book_id = b.id AND c.retired_at IS NULL)").As("total_copies"),
		goqu.L("(SELECT COUNT(*) FROM copies c WHERE c.book_id = b.id AND c.retired_at IS NULL AND c.available IS TRUE)").As("available_copies"),
	)
}

type authorRow struct {
	BookID   uuid.UUID `db:"book_id"`
	Position int       `db:"position"`
	Name     string    `db:"name"`
}

func (s *service) loadAuthors(ctx context.Context, books []Book) error {
	if len(books) == 0 {
		return nil
	}
	ids := make([]interface{}, len(books))
	index := make(map[uuid.UUID]int, len(books))
	for i := range books {
		ids[i] = books[i].ID
		index[books[i].ID] = i
		books[i].Authors = []string{}
	}

	ds := s.db.Builder().From("book_authors").
		Select("book_id", "position", "name").
		Where(goqu.C("book_id").In(ids...)).
		Order(goqu.C("book_id").Asc(), goqu.C("position").Asc())
	rows, err := store.Retry(ctx, func() ([]authorRow, error) {
		var out []authorRow
		err := store.Select(ctx, s.db, &out, ds)
		return out, err
	})
	if err != nil {
		return fmt.Errorf("load authors: %w", err)
	}
	for _, r := range rows {
		if i, ok := index[r.BookID]; ok {
			books[i].Authors = append(books[i].Authors, r.Name)
		}
	}
	return nil
}

func replaceAuthors(ctx context.Context, tx *store.Tx, bookID uuid.UUID, authors []string) error {
	del := tx.Builder().Delete("book_authors").Where(goqu.C("book_id").Eq(bookID))
	if _, err := store.Exec(ctx, tx, del); err != nil {
		return fmt.Errorf("clear authors: %w", err)
	}
	if len(authors) == 0 {
		return nil
	}
	rows := make([]interface{}, len(authors))
	for i, name := range authors {
		rows[i] = goqu.Record{"book_id": bookID, "position": i, "name": name}
	}
	if _, err := store.Exec(ctx, tx, tx.Builder().Insert("book_authors").Rows(rows...)); err != nil {
		return fmt.Errorf("insert authors: %w", err)
	}
	return nil
}

func (s *service) insertCopy(ctx context.Context, tx *store.Tx, bookID uuid.UUID, now time.Time) (*Copy, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate copy id: %w", err)
	}
	c := &Copy{ID: id, BookID: bookID, Available: true, CreatedAt: now}
	ins := tx.Builder().Insert("copies").Rows(goqu.Record{
		"id":         c.ID,
		"book_id":    c.BookID,
		"available":  true,
		"created_at": c.CreatedAt,
	})
	if _, err := store.Exec(ctx, tx, ins); err != nil {
		return nil, fmt.Errorf("insert copy: %w", err)
	}
	return c, nil
}

// ensureActor checks that the member a catalog change is attributed to exists.
func ensureActor(ctx context.Context, tx *store.Tx, actor uuid.UUID) error {
	if actor == uuid.Nil {
		return lending.ErrMemberNotFound
	}
	var id uuid.UUID
	ds := tx.Builder().From("members").Select("id").Where(goqu.C("id").Eq(actor))
	err := store.Get(ctx, tx, &id, ds)
	if errors.Is(err, store.ErrNotFound) {
		return lending.ErrMemberNotFound
	}
	return err
}

func ensureBook(ctx context.Context, tx *store.Tx, bookID uuid.UUID) error {
	var id uuid.UUID
	ds := tx.Builder().From("books").Select("id").Where(goqu.C("id").Eq(bookID))
	err := store.Get(ctx, tx, &id, ds)
	if errors.Is(err, store.ErrNotFound) {
		return ErrBookNotFound
	}
	return err
}
