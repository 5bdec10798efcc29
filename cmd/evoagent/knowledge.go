package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/memory/knowledge"
	"github.com/evoagent/evoagent/internal/memory/vector"
)

// KnowledgeCmd groups the knowledge base subcommands.
type KnowledgeCmd struct {
	List   KnowledgeListCmd   `cmd:"" help:"List knowledge items."`
	Search KnowledgeSearchCmd `cmd:"" help:"Search knowledge by filename or content."`
	Add    KnowledgeAddCmd    `cmd:"" help:"Add a manual knowledge item."`
	Remove KnowledgeRemoveCmd `cmd:"" help:"Remove a knowledge item."`
}

func openKnowledgeStore(cli *CLI) (*knowledge.Store, *app, error) {
	app, err := newAppQuiet(cli)
	if err != nil {
		return nil, nil, err
	}
	store, err := app.openKnowledge()
	if err != nil {
		return nil, nil, err
	}
	return store, app, nil
}

type KnowledgeListCmd struct {
	Category string `help:"Filter by category (pits, patterns, decisions, solutions)."`
	Source   string `help:"Filter by source (auto, manual)."`
}

func (c *KnowledgeListCmd) Run(cli *CLI) error {
	store, _, err := openKnowledgeStore(cli)
	if err != nil {
		return err
	}
	items, err := store.List(knowledge.ListFilter{
		Category: c.Category,
		Source:   c.Source,
	})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no knowledge items")
		return nil
	}
	printItemTable(items)
	return nil
}

func printItemTable(items []*knowledge.Item) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tTITLE\tTAGS")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			item.Path, item.FrontMatter.Title, strings.Join(item.FrontMatter.Tags, ","))
	}
	w.Flush()
}

type KnowledgeSearchCmd struct {
	Term    string `arg:"" help:"Search term."`
	Content bool   `help:"Score matches inside item bodies instead of matching filenames."`
}

func (c *KnowledgeSearchCmd) Run(cli *CLI) error {
	store, _, err := openKnowledgeStore(cli)
	if err != nil {
		return err
	}
	if c.Content {
		results, err := store.SearchContent(c.Term)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no matches")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tPATH\tTITLE")
		for _, r := range results {
			fmt.Fprintf(w, "%d\t%s\t%s\n", r.Score, r.Item.Path, r.Item.FrontMatter.Title)
		}
		return w.Flush()
	}

	items, err := store.SearchByFilename(c.Term)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no matches")
		return nil
	}
	printItemTable(items)
	return nil
}

type KnowledgeAddCmd struct {
	Category string   `arg:"" help:"Category (pits, patterns, decisions, solutions)."`
	Title    string   `arg:"" help:"Item title. The slug is derived from it."`
	Body     string   `help:"Markdown body." xor:"body"`
	File     string   `help:"Read the body from a file." type:"existingfile" xor:"body"`
	Tags     []string `help:"Tags for the front matter."`
	Severity string   `help:"Severity (low, medium, high, critical)."`
}

func (c *KnowledgeAddCmd) Run(cli *CLI) error {
	body := c.Body
	if c.File != "" {
		raw, err := os.ReadFile(c.File)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "cli.knowledge", err)
		}
		body = string(raw)
	}
	if strings.TrimSpace(body) == "" {
		return errs.E(errs.KindValidation, "cli.knowledge", "a body is required (--body or --file)")
	}

	store, app, err := openKnowledgeStore(cli)
	if err != nil {
		return err
	}
	item := &knowledge.Item{
		Category: c.Category,
		FrontMatter: knowledge.FrontMatter{
			Title:    c.Title,
			Tags:     c.Tags,
			Severity: c.Severity,
		},
		Body: body,
	}
	if err := store.WriteManual(item); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", item.Path)

	// A missing vector twin only degrades recall, so embedding failures
	// do not fail the command.
	vectors, err := app.openVector()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: vector entry skipped: %v\n", err)
		return nil
	}
	defer vectors.Close()
	_, err = vectors.Add(context.Background(), &vector.Entry{
		Collection: "knowledge",
		Content:    c.Title + "\n\n" + body,
		Metadata: map[string]any{
			"path":     item.Path,
			"title":    c.Title,
			"category": c.Category,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: vector entry skipped: %v\n", err)
	}
	return nil
}

type KnowledgeRemoveCmd struct {
	Path string `arg:"" help:"Item path relative to the knowledge root, for example manual/pits/flaky-ci.md."`
}

func (c *KnowledgeRemoveCmd) Run(cli *CLI) error {
	store, _, err := openKnowledgeStore(cli)
	if err != nil {
		return err
	}
	if err := store.Delete(c.Path); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", c.Path)
	return nil
}
