// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/spf13/cobra"
)

// upsertBatchSize matches the server's per-request item limit.
const upsertBatchSize = 500

// indexableExt lists the file types index add picks up from directories.
var indexableExt = map[string]bool{".txt": true, ".md": true, ".markdown": true}

func newIndexCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the knowledge base",
	}
	cmd.AddCommand(newIndexAddCmd(g), newIndexSearchCmd(g), newIndexDeleteCmd(g))
	return cmd
}

func newIndexAddCmd(g *globals) *cobra.Command {
	var category, source string
	cmd := &cobra.Command{
		Use:     "add [path...]",
		Aliases: []string{"ingest"},
		Short:   "Index text and markdown files",
		Long: `Index text and markdown files. Directories are walked recursively.

The server refuses documents that contain personal identifiers or credentials;
a refused batch is reported with the pattern that matched and nothing from it
is stored.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := collectDocuments(args, category, source)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				g.printer.Warning("no .txt or .md files found")
				return nil
			}

			client := g.client()
			total := 0
			for start := 0; start < len(items); start += upsertBatchSize {
				end := min(start+upsertBatchSize, len(items))
				ctx, cancel := g.requestContext(cmd)
				resp, err := client.Upsert(ctx, datatypes.UpsertRequest{Items: items[start:end]})
				cancel()
				if err != nil {
					return fmt.Errorf("batch %d-%d: %w", start+1, end, err)
				}
				total += len(resp.IDs)
				for _, id := range resp.IDs {
					g.printer.KeyValue("indexed", id)
				}
			}
			g.printer.Success(fmt.Sprintf("indexed %d chunks from %d documents", total, len(items)))
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Category stored on every document")
	cmd.Flags().StringVar(&source, "source", "", "Source label (default: file name)")
	return cmd
}

// collectDocuments reads every indexable file under paths. Files named
// explicitly are read whatever their extension.
func collectDocuments(paths []string, category, source string) ([]datatypes.UpsertItem, error) {
	var items []datatypes.UpsertItem
	add := func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return nil
		}
		src := source
		if src == "" {
			src = filepath.Base(path)
		}
		items = append(items, datatypes.UpsertItem{
			Text:     text,
			Source:   src,
			Title:    documentTitle(path, data),
			Category: category,
		})
		return nil
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if err := add(root); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !indexableExt[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			return add(path)
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return items, nil
}

// documentTitle prefers a leading markdown heading over the file name.
func documentTitle(path string, data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
		break
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func newIndexSearchCmd(g *globals) *cobra.Command {
	var k int
	var category string
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Show the documents nearest to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := datatypes.SearchRequest{Query: strings.Join(args, " "), K: k}
			if category != "" {
				req.Where = &datatypes.SearchFilter{Key: "category", Value: category}
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			resp, err := g.client().Search(ctx, req)
			if err != nil {
				return err
			}
			if len(resp.Results) == 0 {
				g.printer.Warning("no matching documents")
				return nil
			}
			for _, r := range resp.Results {
				label := r.Metadata.Title
				if label == "" {
					label = r.Metadata.Source
				}
				g.printer.KeyValue(fmt.Sprintf("%.3f", r.Score), fmt.Sprintf("%s %s", r.ID, label))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&k, "k", 5, "Number of results")
	cmd.Flags().StringVar(&category, "category", "", "Only search this category")
	return cmd
}

func newIndexDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id...]",
		Short: "Remove documents by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			n, err := g.client().Delete(ctx, args)
			if err != nil {
				return err
			}
			g.printer.Success(fmt.Sprintf("deleted %d documents", n))
			return nil
		},
	}
}
