// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bdvrpc

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcview/bdvd/bdv"
)

// Wire shapes of the polled notification stream.  Every entry carries
// a type tag so clients can demux without trial decoding.
type (
	blockNtfn struct {
		Type   string `json:"type"`
		Hash   string `json:"hash"`
		Height int32  `json:"height"`
		Time   int64  `json:"time"`
	}

	zeroConfNtfn struct {
		Type   string `json:"type"`
		TxHash string `json:"txhash"`
		RawTx  string `json:"rawtx,omitempty"`
	}

	errorNtfn struct {
		Type   string `json:"type"`
		Error  string `json:"error"`
		TxHash string `json:"txhash"`
	}

	refreshNtfn struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}

	progressNtfn struct {
		Type     string  `json:"type"`
		Phase    string  `json:"phase"`
		Progress float64 `json:"progress"`
	}
)

// marshalNotifications converts polled notifications into their wire
// shapes, preserving order.
func marshalNotifications(ntfns []bdv.Notification) ([]interface{}, error) {
	results := make([]interface{}, 0, len(ntfns))
	for _, n := range ntfns {
		switch n := n.(type) {
		case *bdv.BlockNotification:
			results = append(results, &blockNtfn{
				Type:   n.Type(),
				Hash:   n.Block.Hash.String(),
				Height: n.Block.Height,
				Time:   n.Block.Time.Unix(),
			})

		case *bdv.ReorgNotification:
			results = append(results, &blockNtfn{
				Type:   n.Type(),
				Hash:   n.Block.Hash.String(),
				Height: n.Block.Height,
				Time:   n.Block.Time.Unix(),
			})

		case *bdv.ZcNotification:
			ntfn := &zeroConfNtfn{
				Type:   n.Type(),
				TxHash: n.Packet.TxHash.String(),
			}
			if n.Packet.Tx != nil {
				var buf bytes.Buffer
				if err := n.Packet.Tx.Serialize(&buf); err != nil {
					return nil, err
				}
				ntfn.RawTx = hex.EncodeToString(buf.Bytes())
			}
			results = append(results, ntfn)

		case *bdv.ErrorNotification:
			results = append(results, &errorNtfn{
				Type:   n.Type(),
				Error:  n.Error,
				TxHash: n.TxHash.String(),
			})

		case *bdv.RefreshNotification:
			results = append(results, &refreshNtfn{
				Type: n.Type(),
				ID:   n.ID,
			})

		case *bdv.ProgressNotification:
			results = append(results, &progressNtfn{
				Type:     n.Type(),
				Phase:    n.Phase,
				Progress: n.Progress,
			})

		default:
			return nil, fmt.Errorf("unknown notification type %T", n)
		}
	}
	return results, nil
}
