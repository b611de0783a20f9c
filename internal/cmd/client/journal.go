package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rzbill/flomq/internal/blockstore"
	"github.com/rzbill/flomq/internal/envelope"
	"github.com/rzbill/flomq/internal/journal"
)

var errStopScan = errors.New("limit reached")

// NewJournalCommand constructs the `journal` command group.
func NewJournalCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "journal", Short: "Inspect journal files"}
	cmd.AddCommand(newJournalDumpCommand())
	return cmd
}

// newJournalDumpCommand constructs `journal dump`. It reads the file without
// modifying it, so a torn tail is reported rather than truncated.
func newJournalDumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the records of a journal file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")
			limit, _ := cmd.Flags().GetInt("limit")
			payloads, _ := cmd.Flags().GetBool("payloads")
			if path == "" {
				return errors.New("--file is required")
			}
			store, err := blockstore.OpenFileReadOnly(path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			n := 0
			res, err := journal.Scan(store, func(e journal.Entry) error {
				if limit > 0 && n >= limit {
					return errStopScan
				}
				n++
				row := map[string]any{
					"offset": e.Offset,
					"end":    e.End,
					"type":   e.Type.String(),
					"dest":   e.ID,
					"seq":    e.Seq,
					"xid":    e.Xid,
					"size":   len(e.Payload),
					"frags":  len(e.Placement.Extents),
				}
				if payloads && e.Type == journal.RecordData {
					if m, err := envelope.Decode(e.Payload); err == nil {
						row["priority"] = m.Priority
						if len(m.Properties) > 0 {
							row["properties"] = m.Properties
						}
						for k, v := range decodedBody(m.Body) {
							row[k] = v
						}
					} else {
						row["decode_error"] = err.Error()
					}
				}
				return enc.Encode(row)
			})
			if err != nil && !errors.Is(err, errStopScan) {
				return err
			}
			fmt.Fprintf(out, "block_size=%d start=%d end=%d records=%d\n", res.BlockSize, res.Start, res.End, n)
			if res.Torn != nil {
				fmt.Fprintf(out, "torn tail: %v\n", res.Torn)
			}
			return nil
		},
	}
	cmd.Flags().String("file", "", "Journal file path")
	cmd.Flags().Int("limit", 0, "Stop after this many records (0 = all)")
	cmd.Flags().Bool("payloads", false, "Decode DATA payloads")
	return cmd
}
