package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/firemoo/firemoo-go"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readData parses --data, or stdin when the value is "-".
func readData(cmd *cobra.Command, raw string) (map[string]any, error) {
	if raw == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return data, nil
}

func newCollectionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "collections",
		Aliases: []string{"col"},
		Short:   "Manage document collections",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			cols, err := client.ListCollections(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cols)
		},
	}

	get := &cobra.Command{
		Use:   "get <collection-id>",
		Short: "Show one collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			col, err := client.GetCollection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), col)
		},
	}

	var opts firemoo.CollectionOptions
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			col, err := client.CreateCollection(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), col)
		},
	}
	create.Flags().StringVar(&opts.ParentCollectionID, "parent-collection", "", "parent collection id")
	create.Flags().StringVar(&opts.ParentDocumentID, "parent-document", "", "parent document id")

	del := &cobra.Command{
		Use:   "delete <collection-id>",
		Short: "Delete a collection and its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			return client.DeleteCollection(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, get, create, del)
	return cmd
}

func newDocumentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"doc"},
		Short:   "Manage documents in a collection",
	}

	var page firemoo.Page
	list := &cobra.Command{
		Use:   "list <collection-id>",
		Short: "List documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			res, err := client.ListDocuments(cmd.Context(), args[0], page)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	list.Flags().IntVar(&page.Page, "page", 0, "page number")
	list.Flags().IntVar(&page.Limit, "limit", 0, "page size")

	var format firemoo.DocumentFormat
	get := &cobra.Command{
		Use:   "get <collection-id> <document-id>",
		Short: "Show one document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			doc, err := client.GetDocument(cmd.Context(), args[0], args[1], format)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
	get.Flags().StringVar(&format.Format, "format", "", "alternate rendering, e.g. firestore")
	get.Flags().StringVar(&format.ProjectID, "project-id", "", "project id for the firestore format")
	get.Flags().StringVar(&format.DatabaseID, "database-id", "", "database id for the firestore format")

	var (
		data  string
		docID string
	)
	create := &cobra.Command{
		Use:   "create <collection-id>",
		Short: "Create a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			body, err := readData(cmd, data)
			if err != nil {
				return err
			}
			doc, err := client.CreateDocument(cmd.Context(), args[0], body, docID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
	create.Flags().StringVar(&docID, "id", "", "document id (generated when empty)")

	update := &cobra.Command{
		Use:   "update <collection-id> <document-id>",
		Short: "Replace a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			body, err := readData(cmd, data)
			if err != nil {
				return err
			}
			doc, err := client.UpdateDocument(cmd.Context(), args[0], args[1], body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}

	patch := &cobra.Command{
		Use:   "patch <collection-id> <document-id>",
		Short: "Merge fields into a document",
		Long:  "Sends the fields of --data as a merge patch. With --diff the current document is fetched and only the differences are sent.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			body, err := readData(cmd, data)
			if err != nil {
				return err
			}
			diff, _ := cmd.Flags().GetBool("diff")
			if !diff {
				doc, err := client.PatchDocument(cmd.Context(), args[0], args[1], body)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), doc)
			}
			current, err := client.GetDocument(cmd.Context(), args[0], args[1], firemoo.DocumentFormat{})
			if err != nil {
				return err
			}
			doc, err := client.PatchDocumentDiff(cmd.Context(), args[0], args[1], current.Data, body)
			if err != nil {
				return err
			}
			if doc == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "no changes")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
	patch.Flags().Bool("diff", false, "treat --data as the full new document and send only the differences")

	for _, c := range []*cobra.Command{create, update, patch} {
		c.Flags().StringVar(&data, "data", "{}", "document JSON, or - to read stdin")
	}

	del := &cobra.Command{
		Use:   "delete <collection-id> <document-id>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			return client.DeleteDocument(cmd.Context(), args[0], args[1])
		},
	}

	cmd.AddCommand(list, get, create, update, patch, del)
	return cmd
}
