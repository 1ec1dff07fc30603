package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/richardartoul/deferdb/futures"
	"github.com/richardartoul/deferdb/store"

	"github.com/spf13/cobra"
)

func newAddCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <store> <record-json>",
		Short: "Add one record to an object store",
		Long: `Add one record to an object store.

The command fails if a record with the same key already exists.

Example:
  deferdb add people '{"name":"A","email":"a@x.com"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var record map[string]any
			if err := json.Unmarshal([]byte(args[1]), &record); err != nil {
				return fmt.Errorf("invalid record JSON: %w", err)
			}

			return withSession(cmd, opts, func(s *session) error {
				if _, err := await(s, s.client.AddRecord(s.db, args[0], record)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added 1 record to %s\n", args[0])
				return nil
			})
		},
	}
}

func newLoadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <store> <file.jsonl>",
		Short: "Add every record of a JSON lines file to an object store",
		Long: `Add every record of a JSON lines file to an object store.

Every record is added in its own transaction and all of them are issued
before waiting for any, so a failure only rejects the records it affects.

Example:
  deferdb load people people.jsonl`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := readJSONLines(args[1])
			if err != nil {
				return err
			}

			return withSession(cmd, opts, func(s *session) error {
				adds := make([]futures.Future[struct{}], 0, len(recs))
				for _, record := range recs {
					adds = append(adds, s.client.AddRecord(s.db, args[0], record))
				}

				ctx, cc := context.WithTimeout(context.Background(), s.timeout)
				defer cc()
				if _, err := futures.WaitAllSliceCtx(ctx, adds); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %d records into %s\n", len(recs), args[0])
				return nil
			})
		},
	}
}

func readJSONLines(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open records file: %w", err)
	}
	defer f.Close()

	var (
		recs    []map[string]any
		scanner = bufio.NewScanner(f)
		line    = 0
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("%s:%d: invalid record JSON: %w", path, line, err)
		}
		recs = append(recs, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records file: %w", err)
	}
	return recs, nil
}

type getOptions struct {
	lower, upper         string
	lowerOpen, upperOpen bool
}

func (o *getOptions) keyRange() (*store.KeyRange, bool) {
	switch {
	case o.lower != "" && o.upper != "":
		return store.Bound(parseKey(o.lower), parseKey(o.upper), o.lowerOpen, o.upperOpen), true
	case o.lower != "":
		return store.LowerBound(parseKey(o.lower), o.lowerOpen), true
	case o.upper != "":
		return store.UpperBound(parseKey(o.upper), o.upperOpen), true
	default:
		return nil, false
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	getOpts := &getOptions{}

	cmd := &cobra.Command{
		Use:   "get <store> <index> [key]",
		Short: "Print the records whose index key matches",
		Long: `Print the records whose index key matches, one JSON object per line in
index order.

The key is parsed as JSON and used as a plain string if it is not valid JSON.
Without a key or range flags every indexed record is printed.

Examples:
  deferdb get people email a@x.com
  deferdb get people email --lower b@x.com --upper d@x.com --upperOpen`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var query any
			keyRange, hasRange := getOpts.keyRange()
			switch {
			case len(args) == 3 && hasRange:
				return fmt.Errorf("a key and --lower/--upper are mutually exclusive")
			case len(args) == 3:
				query = parseKey(args[2])
			case hasRange:
				query = keyRange
			}

			return withSession(cmd, opts, func(s *session) error {
				recs, err := await(s, s.client.GetByIndex(s.db, args[0], args[1], query))
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, record := range recs {
					if err := enc.Encode(record); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&getOpts.lower, "lower", "", "lower bound of the key range")
	cmd.Flags().StringVar(&getOpts.upper, "upper", "", "upper bound of the key range")
	cmd.Flags().BoolVar(&getOpts.lowerOpen, "lowerOpen", false, "exclude the lower bound from the range")
	cmd.Flags().BoolVar(&getOpts.upperOpen, "upperOpen", false, "exclude the upper bound from the range")

	return cmd
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <store> <index> <key>",
		Short: "Delete every record whose index key equals key",
		Long: `Delete every record whose index key equals key.

All matching records are deleted in one transaction: either all of them are
deleted or, if anything fails, none are.

Example:
  deferdb delete people email a@x.com`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := parseKey(args[2])
			return withSession(cmd, opts, func(s *session) error {
				deleted, err := await(s, s.client.DeleteByIndex(s.db, args[0], args[1], key))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records from %s where %s = %v\n", deleted, args[0], args[1], key)
				return nil
			})
		},
	}
}
