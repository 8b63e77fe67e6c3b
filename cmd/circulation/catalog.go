package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"libranexus/lending/internal/catalog"
)

func (c *cli) bookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "book", Short: "Manage catalog books"}

	var nb catalog.NewBook
	var actor string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a book with its copies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			by, err := parseID("actor id", actor)
			if err != nil {
				return err
			}
			book, err := c.app.Catalog.AddBook(cmd.Context(), by, nb)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), book)
		},
	}
	add.Flags().StringVar(&nb.Title, "title", "", "title")
	add.Flags().StringSliceVar(&nb.Authors, "author", nil, "author, repeatable")
	add.Flags().StringVar(&nb.ISBN, "isbn", "", "ISBN")
	add.Flags().StringVar(&nb.Publisher, "publisher", "", "publisher")
	add.Flags().StringVar(&nb.Genre, "genre", "", "genre")
	add.Flags().StringVar(&nb.Language, "language", "", "language")
	add.Flags().IntVar(&nb.PublishedYear, "year", 0, "year of publication")
	add.Flags().IntVar(&nb.Copies, "copies", 1, "number of copies")
	actorFlag(add, &actor)
	_ = add.MarkFlagRequired("title")

	del := &cobra.Command{
		Use:   "delete BOOK_ID",
		Short: "Delete a book that never had copies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, by, err := bookAndActor(args[0], actor)
			if err != nil {
				return err
			}
			if err := c.app.Catalog.DeleteBook(cmd.Context(), by, id); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"deleted": id.String()})
		},
	}
	actorFlag(del, &actor)

	show := &cobra.Command{
		Use:   "show BOOK_ID",
		Short: "Show a book and its copies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("book id", args[0])
			if err != nil {
				return err
			}
			book, err := c.app.Catalog.GetBook(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), book)
		},
	}

	var opts catalog.ListOptions
	var member string
	list := &cobra.Command{
		Use:   "list",
		Short: "List books in title order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if member != "" {
				id, err := parseID("member id", member)
				if err != nil {
					return err
				}
				if _, err := c.app.Engine.CheckAndApplyFines(cmd.Context(), id); err != nil {
					return err
				}
			}
			books, err := c.app.Catalog.ListBooks(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if books == nil {
				books = []catalog.Book{}
			}
			return printJSON(cmd.OutOrStdout(), books)
		},
	}
	list.Flags().IntVar(&opts.Limit, "limit", 50, "page size")
	list.Flags().IntVar(&opts.Offset, "offset", 0, "page offset")
	list.Flags().StringVar(&member, "member", "", "browsing member; their overdue loans are fined first")

	cmd.AddCommand(add, show, list, del)
	return cmd
}

func (c *cli) copyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "copy", Short: "Manage physical copies"}
	var actor string

	add := &cobra.Command{
		Use:   "add BOOK_ID",
		Short: "Add a copy and hand it to the next reserver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, by, err := bookAndActor(args[0], actor)
			if err != nil {
				return err
			}
			added, err := c.app.Catalog.AddCopy(cmd.Context(), by, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), added)
		},
	}

	retire := &cobra.Command{
		Use:   "retire BOOK_ID",
		Short: "Retire one shelved copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, by, err := bookAndActor(args[0], actor)
			if err != nil {
				return err
			}
			retired, err := c.app.Catalog.RetireCopy(cmd.Context(), by, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), retired)
		},
	}

	actorFlag(add, &actor)
	actorFlag(retire, &actor)

	cmd.AddCommand(add, retire)
	return cmd
}

// actorFlag adds the required --actor flag naming the member making a
// catalog change.
func actorFlag(cmd *cobra.Command, actor *string) {
	cmd.Flags().StringVar(actor, "actor", "", "member id the change is recorded against")
	_ = cmd.MarkFlagRequired("actor")
}

func bookAndActor(book, actor string) (uuid.UUID, uuid.UUID, error) {
	id, err := parseID("book id", book)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	by, err := parseID("actor id", actor)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return id, by, nil
}
