package catalog_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/lending/internal/activity"
	"libranexus/lending/internal/catalog"
	"libranexus/lending/internal/clock"
	"libranexus/lending/internal/lending"
	"libranexus/lending/internal/store"
	"libranexus/lending/internal/store/storetest"
	"libranexus/lending/internal/web"
)

type env struct {
	db      *store.DB
	clock   *clock.Fake
	engine  *lending.Engine
	catalog catalog.Service
	curator uuid.UUID
}

func setup(t *testing.T) *env {
	t.Helper()
	db := storetest.Open(t)
	fake := clock.NewFake(time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC))
	log := activity.NewLog(db, fake.Clock())
	engine := lending.NewEngine(db, log, fake.Clock(), lending.DefaultConfig(), storetest.Logger())
	e := &env{
		db:      db,
		clock:   fake,
		engine:  engine,
		catalog: catalog.NewService(db, log, engine, fake.Clock(), storetest.Logger()),
	}
	e.curator = e.member(t)
	return e
}

func (e *env) member(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	ins := e.db.Builder().Insert("members").Rows(goqu.Record{
		"id":         id,
		"email":      id.String() + "@example.com",
		"name":       "Reader",
		"is_admin":   false,
		"created_at": e.clock.Now(),
	})
	_, err = store.Exec(context.Background(), e.db, ins)
	require.NoError(t, err)
	return id
}

func TestAddAndGetBook(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	book, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{
		ISBN:          "9780441013593",
		Title:         "  Dune ",
		Authors:       []string{"Frank Herbert", " "},
		Genre:         "Science Fiction",
		PublishedYear: 1965,
		Copies:        3,
	})
	require.NoError(t, err)

	assert.Equal(t, "Dune", book.Title)
	assert.Equal(t, []string{"Frank Herbert"}, book.Authors)
	assert.Equal(t, 3, book.TotalCopies)
	assert.Equal(t, 3, book.AvailableCopies)
	require.Len(t, book.Copies, 3)
	for i := 1; i < len(book.Copies); i++ {
		assert.Less(t, book.Copies[i-1].ID.String(), book.Copies[i].ID.String())
	}

	_, err = e.catalog.GetBook(ctx, uuid.New())
	assert.ErrorIs(t, err, catalog.ErrBookNotFound)
}

func TestAddBookValidation(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "   "})
	assert.ErrorIs(t, err, catalog.ErrInvalidBook)

	_, err = e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "Dune", Copies: -1})
	assert.ErrorIs(t, err, catalog.ErrInvalidBook)
}

func TestListBooksPagesInTitleOrder(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	for _, title := range []string{"Neuromancer", "Dune", "Solaris"} {
		_, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: title, Authors: []string{"A", "B"}, Copies: 1})
		require.NoError(t, err)
	}

	page, err := e.catalog.ListBooks(ctx, catalog.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "Dune", page[0].Title)
	assert.Equal(t, "Neuromancer", page[1].Title)
	assert.Equal(t, []string{"A", "B"}, page[0].Authors)
	assert.Nil(t, page[0].Copies)

	rest, err := e.catalog.ListBooks(ctx, catalog.ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "Solaris", rest[0].Title)
}

func TestUpdateBook(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	book, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "Dune", Authors: []string{"Herbert"}, Copies: 1})
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	title := "Dune Messiah"
	authors := []string{"Frank Herbert"}
	updated, err := e.catalog.UpdateBook(ctx, e.curator, book.ID, catalog.BookPatch{Title: &title, Authors: &authors})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, authors, updated.Authors)
	assert.True(t, updated.UpdatedAt.After(book.UpdatedAt))
	assert.Equal(t, 1, updated.TotalCopies)

	_, err = e.catalog.UpdateBook(ctx, e.curator, uuid.New(), catalog.BookPatch{Title: &title})
	assert.ErrorIs(t, err, catalog.ErrBookNotFound)
}

func TestAddCopyPromotesWaitingReserver(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	member := e.member(t)

	book, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "Dune"})
	require.NoError(t, err)
	_, err = e.engine.Reserve(ctx, member, book.ID)
	require.NoError(t, err)

	added, err := e.catalog.AddCopy(ctx, e.curator, book.ID)
	require.NoError(t, err)
	require.NotNil(t, added.Promotion)
	assert.Equal(t, member, added.Promotion.Loan.MemberID)
	assert.Equal(t, added.Copy.ID, added.Promotion.Loan.CopyID)
	assert.False(t, added.Copy.Available)

	reloaded, err := e.catalog.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.TotalCopies)
	assert.Equal(t, 0, reloaded.AvailableCopies)

	_, err = e.engine.PeekNext(ctx, book.ID)
	assert.ErrorIs(t, err, lending.ErrNoReserver)
}

func TestAddCopyWithoutQueue(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	book, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "Dune"})
	require.NoError(t, err)

	added, err := e.catalog.AddCopy(ctx, e.curator, book.ID)
	require.NoError(t, err)
	assert.Nil(t, added.Promotion)
	assert.True(t, added.Copy.Available)

	_, err = e.catalog.AddCopy(ctx, e.curator, uuid.New())
	assert.ErrorIs(t, err, catalog.ErrBookNotFound)
}

func TestRetireCopy(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	book, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "Dune", Copies: 2})
	require.NoError(t, err)

	loan, err := e.engine.Borrow(ctx, e.member(t), book.ID)
	require.NoError(t, err)

	retired, err := e.catalog.RetireCopy(ctx, e.curator, book.ID)
	require.NoError(t, err)
	assert.NotEqual(t, loan.CopyID, retired.ID)
	require.NotNil(t, retired.RetiredAt)

	_, err = e.catalog.RetireCopy(ctx, e.curator, book.ID)
	assert.ErrorIs(t, err, catalog.ErrNoFreeCopy)

	reloaded, err := e.catalog.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.TotalCopies)
	assert.Equal(t, 0, reloaded.AvailableCopies)

	_, err = e.engine.Borrow(ctx, e.member(t), book.ID)
	assert.ErrorIs(t, err, lending.ErrNoAvailableCopy)
}

func TestHTTPCatalog(t *testing.T) {
	e := setup(t)
	router := web.NewRouter(storetest.Logger(), nil)
	catalog.NewHandler(e.catalog, e.engine).Routes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/books", "application/json",
		strings.NewReader(fmt.Sprintf(`{"title":"Dune","authors":["Frank Herbert"],"copies":1,"member_id":%q}`, e.curator)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/books", "application/json", strings.NewReader(fmt.Sprintf(`{"title":"","member_id":%q}`, e.curator)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/books/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("%s/books?member_id=%s&limit=10", srv.URL, e.member(t)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/books?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListingFinesBrowsingMember(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	member := e.member(t)

	book, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "Dune", Copies: 1})
	require.NoError(t, err)
	_, err = e.engine.Borrow(ctx, member, book.ID)
	require.NoError(t, err)
	e.clock.Advance(15 * 24 * time.Hour)

	router := web.NewRouter(storetest.Logger(), nil)
	catalog.NewHandler(e.catalog, e.engine).Routes(router)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books?member_id="+member.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	owed, err := e.engine.OutstandingFines(ctx, member)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), owed)
}

func TestCatalogChangesAreAttributedToActor(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	book, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "Dune", Copies: 1})
	require.NoError(t, err)
	title := "Dune Messiah"
	_, err = e.catalog.UpdateBook(ctx, e.curator, book.ID, catalog.BookPatch{Title: &title})
	require.NoError(t, err)
	_, err = e.catalog.AddCopy(ctx, e.curator, book.ID)
	require.NoError(t, err)
	_, err = e.catalog.RetireCopy(ctx, e.curator, book.ID)
	require.NoError(t, err)

	var unattributed int
	ds := e.db.Builder().From("activity_log").Select(goqu.COUNT("*")).Where(goqu.C("member_id").IsNull())
	require.NoError(t, store.Get(ctx, e.db, &unattributed, ds))
	assert.Zero(t, unattributed)

	var curated int
	ds = e.db.Builder().From("activity_log").Select(goqu.COUNT("*")).Where(goqu.C("member_id").Eq(e.curator))
	require.NoError(t, store.Get(ctx, e.db, &curated, ds))
	assert.Equal(t, 4, curated)
}

func TestCatalogChangesRequireKnownActor(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.catalog.AddBook(ctx, uuid.New(), catalog.NewBook{Title: "Dune"})
	assert.ErrorIs(t, err, lending.ErrMemberNotFound)
	_, err = e.catalog.AddBook(ctx, uuid.Nil, catalog.NewBook{Title: "Dune"})
	assert.ErrorIs(t, err, lending.ErrMemberNotFound)

	book, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "Dune", Copies: 1})
	require.NoError(t, err)
	_, err = e.catalog.AddCopy(ctx, uuid.New(), book.ID)
	assert.ErrorIs(t, err, lending.ErrMemberNotFound)
	_, err = e.catalog.RetireCopy(ctx, uuid.New(), book.ID)
	assert.ErrorIs(t, err, lending.ErrMemberNotFound)

	reloaded, err := e.catalog.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.TotalCopies)
}

func TestDeleteBook(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	empty, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "Solaris", Authors: []string{"Stanislaw Lem"}})
	require.NoError(t, err)
	require.NoError(t, e.catalog.DeleteBook(ctx, e.curator, empty.ID))
	_, err = e.catalog.GetBook(ctx, empty.ID)
	assert.ErrorIs(t, err, catalog.ErrBookNotFound)
	assert.ErrorIs(t, e.catalog.DeleteBook(ctx, e.curator, empty.ID), catalog.ErrBookNotFound)

	queued, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "Emma"})
	require.NoError(t, err)
	_, err = e.engine.Reserve(ctx, e.member(t), queued.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, e.catalog.DeleteBook(ctx, e.curator, queued.ID), catalog.ErrBookInUse)

	shelved, err := e.catalog.AddBook(ctx, e.curator, catalog.NewBook{Title: "Dune", Copies: 1})
	require.NoError(t, err)
	_, err = e.catalog.RetireCopy(ctx, e.curator, shelved.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, e.catalog.DeleteBook(ctx, e.curator, shelved.ID), catalog.ErrBookInUse)
}
