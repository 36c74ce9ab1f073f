package rpc

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"go.uber.org/zap"
)

// maxLineSize bounds a single input line. A line this large is almost
// certainly a misbehaving client rather than a legitimate request.
const maxLineSize = 4 * 1024 * 1024

// Serve runs the Broker's line-delimited JSON-RPC loop: read one line from
// r, dispatch it, write the response line (if any) to w, repeat until r
// returns EOF or ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	bw := bufio.NewWriter(w)
	defer bw.Flush()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		out, respond := d.DispatchLine(ctx, append([]byte(nil), line...))
		if !respond {
			continue
		}
		if _, err := bw.Write(out); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		d.Logger.Error("stdio scan failed", zap.Error(err))
		return err
	}
	return nil
}
