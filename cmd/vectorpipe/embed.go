package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/vectorpipe/config"
	"github.com/mohammad-safakhou/vectorpipe/internal/embedder"
	srv "github.com/mohammad-safakhou/vectorpipe/internal/server"
)

// embedCMD ingests chunks from a JSON-lines file or stdin, one chunk object
// per line.
func embedCMD() *cobra.Command {
	var cfgPath string
	var input string
	var documentID string

	var embed = &cobra.Command{
		Use:   "embed",
		Short: "Embed and index chunks from a JSONL file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			deps, err := srv.BuildDeps(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			chunks, err := readChunks(input, documentID)
			if err != nil {
				return err
			}
			res, err := deps.Pipe.Ingest(ctx, chunks)
			if err != nil {
				return err
			}
			fmt.Printf("indexed %d chunks", res.Indexed)
			if len(res.Duplicates) > 0 {
				fmt.Printf(", skipped %d duplicates", len(res.Duplicates))
			}
			fmt.Println()
			return nil
		},
	}
	embed.Flags().StringVarP(&input, "input", "i", "-", "JSONL file of chunks (- for stdin)")
	embed.Flags().StringVar(&documentID, "document", "", "document id for chunks that carry none")
	embed.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return embed
}

func readChunks(input, documentID string) ([]embedder.Chunk, error) {
	var r *os.File
	if input == "-" || input == "" {
		r = os.Stdin
	} else {
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var chunks []embedder.Chunk
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var c embedder.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, fmt.Errorf("decode chunk line: %w", err)
		}
		if c.ChunkID == "" {
			c.ChunkID = uuid.NewString()
		}
		if c.DocumentID == "" {
			c.DocumentID = documentID
		}
		chunks = append(chunks, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return chunks, nil
}
