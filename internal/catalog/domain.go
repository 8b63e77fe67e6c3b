package catalog

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"libranexus/lending/internal/lending"
)

// Book is a title in the catalog. Its copies are the lendable units.
type Book struct {
	ID              uuid.UUID `json:"id" db:"id"`
	ISBN            string    `json:"isbn" db:"isbn"`
	Title           string    `json:"title" db:"title"`
	Authors         []string  `json:"authors" db:"-"`
	Publisher       string    `json:"publisher,omitempty" db:"publisher"`
	Genre           string    `json:"genre,omitempty" db:"genre"`
	Language        string    `json:"language,omitempty" db:"language"`
	PublishedYear   int       `json:"published_year,omitempty" db:"published_year"`
	TotalCopies     int       `json:"total_copies" db:"total_copies"`
	AvailableCopies int       `json:"available_copies" db:"available_copies"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
	Copies          []Copy    `json:"copies,omitempty" db:"-"`
}

// Copy is one physical item of a book. Retired copies stay for history but
// are never lent again.
type Copy struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	BookID    uuid.UUID  `json:"book_id" db:"book_id"`
	Available bool       `json:"available" db:"available"`
	RetiredAt *time.Time `json:"retired_at,omitempty" db:"retired_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// NewBook describes a book to add.
type NewBook struct {
	ISBN          string   `json:"isbn"`
	Title         string   `json:"title"`
	Authors       []string `json:"authors"`
	Publisher     string   `json:"publisher"`
	Genre         string   `json:"genre"`
	Language      string   `json:"language"`
	PublishedYear int      `json:"published_year"`
	Copies        int      `json:"copies"`
}

// BookPatch holds the metadata fields to change. Nil fields are left alone.
type BookPatch struct {
	ISBN          *string   `json:"isbn"`
	Title         *string   `json:"title"`
	Authors       *[]string `json:"authors"`
	Publisher     *string   `json:"publisher"`
	Genre         *string   `json:"genre"`
	Language      *string   `json:"language"`
	PublishedYear *int      `json:"published_year"`
}

// CopyAdded reports a new copy and, if the book had a queue, the loan it was
// handed to.
type CopyAdded struct {
	Copy      Copy               `json:"copy"`
	Promotion *lending.Promotion `json:"promotion,omitempty"`
}

// ListOptions pages through the catalog in title order.
type ListOptions struct {
	Limit  int
	Offset int
}

var (
	// ErrBookNotFound is shared with the lending engine so both classify alike.
	ErrBookNotFound = lending.ErrBookNotFound
	ErrInvalidBook  = errors.New("invalid book")
	ErrNoFreeCopy   = errors.New("no copy of this book is on the shelf")

	// ErrBookInUse refuses deleting a book that still has copies or a queue.
	// Loans and fines keep referring to copies after return.
	ErrBookInUse = errors.New("book still has copies or reservations")
)

func (nb *NewBook) normalize() error {
	nb.Title = strings.TrimSpace(nb.Title)
	if nb.Title == "" {
		return invalid("title is required")
	}
	if nb.Copies < 0 {
		return invalid("copies cannot be negative")
	}
	if nb.PublishedYear < 0 {
		return invalid("published_year cannot be negative")
	}
	nb.Authors = cleanAuthors(nb.Authors)
	return nil
}

func (p *BookPatch) normalize() error {
	if p.Title != nil {
		t := strings.TrimSpace(*p.Title)
		if t == "" {
			return invalid("title cannot be empty")
		}
		p.Title = &t
	}
	if p.PublishedYear != nil && *p.PublishedYear < 0 {
		return invalid("published_year cannot be negative")
	}
	if p.Authors != nil {
		a := cleanAuthors(*p.Authors)
		p.Authors = &a
	}
	return nil
}

func cleanAuthors(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

type invalidError string

func (e invalidError) Error() string { return "invalid book: " + string(e) }
func (e invalidError) Unwrap() error { return ErrInvalidBook }

func invalid(msg string) error { return invalidError(msg) }
