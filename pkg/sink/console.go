// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sink

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// ConsoleSink writes one JSON object per partition per line.
type ConsoleSink struct {
	w   io.Writer
	mtx sync.Mutex
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (cs *ConsoleSink) Write(ctx context.Context, snap *LagSnapshot) error {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	enc := json.NewEncoder(cs.w)
	for _, row := range snap.Rows() {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

func (*ConsoleSink) Close() error {
	return nil
}
