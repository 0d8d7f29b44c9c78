// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bdvrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/btcview/bdvd/chain"
	"github.com/btcview/bdvd/clients"
)

// testServer spins up a registry over a mock engine and a server bound
// to a random localhost port, and tears both down with the test.
func testServer(t *testing.T) (*Server, *chain.MockEngine, string) {
	t.Helper()

	engine := chain.NewMockEngine(chain.Config{Node: chain.NodeUnitTest})
	require.NoError(t, engine.Start())

	registry, err := clients.New(&clients.Config{Engine: engine})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(&Options{
		Username:            "user",
		Password:            "pass",
		MaxPOSTClients:      10,
		MaxWebsocketClients: 10,
		PollTimeout:         time.Second,
	}, registry, []net.Listener{lis})

	t.Cleanup(func() {
		registry.Shutdown()
		server.Stop()
	})

	return server, engine, "http://" + lis.Addr().String() + "/"
}

// postRequest runs one JSON-RPC request over HTTP POST and decodes the
// response envelope.
func postRequest(t *testing.T, url, method string, ids []string,
	args interface{}, auth bool) (json.RawMessage, *btcjson.RPCError) {

	t.Helper()

	params := make([]json.RawMessage, 0, 2)
	idsJSON, err := json.Marshal(ids)
	require.NoError(t, err)
	params = append(params, idsJSON)
	if args != nil {
		argsJSON, err := json.Marshal(args)
		require.NoError(t, err)
		params = append(params, argsJSON)
	}
	body, err := json.Marshal(&btcjson.Request{
		Jsonrpc: btcjson.RpcVersion1,
		Method:  method,
		Params:  params,
		ID:      1,
	})
	require.NoError(t, err)

	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	require.NoError(t, err)
	if auth {
		req.SetBasicAuth("user", "pass")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope btcjson.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Result, envelope.Error
}

// registerSession registers a fresh view over POST and returns its id.
func registerSession(t *testing.T, url string) string {
	t.Helper()

	result, jsonErr := postRequest(t, url, "registerBDV", nil, nil, true)
	require.Nil(t, jsonErr)

	var reg clients.RegisterBDVResult
	require.NoError(t, json.Unmarshal(result, &reg))
	require.NotEmpty(t, reg.ID)
	return reg.ID
}

// TestPOSTRequiresAuth verifies unauthorized POST clients receive an
// HTTP 401 and never reach the command queue.
func TestPOSTRequiresAuth(t *testing.T) {
	_, _, url := testServer(t)

	body := []byte(`{"jsonrpc":"1.0","method":"registerBDV","params":[],"id":1}`)
	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong credentials are rejected the same way.
	req, err = http.NewRequest("POST", url, bytes.NewReader(body))
	require.NoError(t, err)
	req.SetBasicAuth("user", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// TestPOSTCommandRoundTrip registers a session and executes a command
// against it through the HTTP surface.
func TestPOSTCommandRoundTrip(t *testing.T) {
	_, _, url := testServer(t)

	id := registerSession(t, url)

	result, jsonErr := postRequest(t, url, "getStatus", []string{id},
		nil, true)
	require.Nil(t, jsonErr)

	var status struct {
		Ready bool `json:"ready"`
	}
	require.NoError(t, json.Unmarshal(result, &status))

	// Unknown methods surface the method-not-found error code.
	_, jsonErr = postRequest(t, url, "bogusMethod", []string{id}, nil, true)
	require.NotNil(t, jsonErr)
	require.Equal(t, btcjson.ErrRPCMethodNotFound.Code, jsonErr.Code)
}

// drainNotifications polls until the session's buffered startup
// notifications have all been delivered.  The init sequence ends with
// a refresh, so once that is seen the buffer is empty.
func drainNotifications(t *testing.T, url, id string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		raw, jsonErr := postRequest(t, url, "waitOnNotifications",
			[]string{id}, nil, true)
		require.Nil(t, jsonErr)

		var ntfns []struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &ntfns))
		for _, n := range ntfns {
			if n.Type == "refresh" {
				return
			}
		}
	}
	t.Fatal("startup notifications never drained")
}

// TestPOSTLongPoll verifies waitOnNotifications delivers a block
// notification pushed through the engine while the poll is held open.
func TestPOSTLongPoll(t *testing.T) {
	_, engine, url := testServer(t)

	id := registerSession(t, url)

	// A fresh session buffers its startup notifications; drain them so
	// the poll below blocks on an empty buffer.
	drainNotifications(t, url, id)

	type pollResult struct {
		raw     json.RawMessage
		jsonErr *btcjson.RPCError
	}
	pollDone := make(chan pollResult, 1)
	go func() {
		raw, jsonErr := postRequest(t, url, "waitOnNotifications",
			[]string{id}, nil, true)
		pollDone <- pollResult{raw: raw, jsonErr: jsonErr}
	}()

	// Give the poll a moment to block, then push a new tip.
	time.Sleep(50 * time.Millisecond)
	var blockHash chainhash.Hash
	blockHash[0] = 0xab
	engine.NotifyBlock(chain.BlockMeta{
		Hash:   blockHash,
		Height: 101,
		Time:   time.Unix(1461000000, 0),
	})

	select {
	case res := <-pollDone:
		require.Nil(t, res.jsonErr)

		var ntfns []struct {
			Type   string `json:"type"`
			Height int32  `json:"height"`
		}
		require.NoError(t, json.Unmarshal(res.raw, &ntfns))

		found := false
		for _, n := range ntfns {
			if n.Type == "newblock" {
				found = true
				require.Equal(t, int32(101), n.Height)
			}
		}
		require.True(t, found, "no newblock notification in poll result")
	case <-time.After(5 * time.Second):
		t.Fatal("long poll did not return after block notification")
	}

	// Polling an unknown session errors instead of blocking.
	_, jsonErr := postRequest(t, url, "waitOnNotifications",
		[]string{"feedface"}, nil, true)
	require.NotNil(t, jsonErr)
}

// TestShutdownUnblocksPoll verifies that shutting down the registry
// before stopping the server releases an in-flight long poll, so
// teardown is not held for the poll timeout.
func TestShutdownUnblocksPoll(t *testing.T) {
	engine := chain.NewMockEngine(chain.Config{Node: chain.NodeUnitTest})
	require.NoError(t, engine.Start())
	registry, err := clients.New(&clients.Config{Engine: engine})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := NewServer(&Options{
		Username:            "user",
		Password:            "pass",
		MaxPOSTClients:      10,
		MaxWebsocketClients: 10,
		PollTimeout:         time.Minute,
	}, registry, []net.Listener{lis})

	url := "http://" + lis.Addr().String() + "/"
	id := registerSession(t, url)
	drainNotifications(t, url, id)

	pollDone := make(chan *btcjson.RPCError, 1)
	go func() {
		_, jsonErr := postRequest(t, url, "waitOnNotifications",
			[]string{id}, nil, true)
		pollDone <- jsonErr
	}()

	// Let the poll block, then tear down registry-first and require
	// the whole sequence to finish well inside the poll timeout.
	time.Sleep(50 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		registry.Shutdown()
		server.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("teardown blocked on an in-flight poll")
	}

	select {
	case jsonErr := <-pollDone:
		// The poll comes back with the callback-shutdown error.
		require.NotNil(t, jsonErr)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll never returned during teardown")
	}
}

// TestPOSTThrottling verifies the concurrent client threshold returns
// HTTP 429 instead of queueing unbounded work.
func TestPOSTThrottling(t *testing.T) {
	engine := chain.NewMockEngine(chain.Config{Node: chain.NodeUnitTest})
	require.NoError(t, engine.Start())
	registry, err := clients.New(&clients.Config{Engine: engine})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := NewServer(&Options{
		Username:            "user",
		Password:            "pass",
		MaxPOSTClients:      0,
		MaxWebsocketClients: 0,
	}, registry, []net.Listener{lis})
	t.Cleanup(func() {
		server.Stop()
		registry.Shutdown()
	})

	url := fmt.Sprintf("http://%s/", lis.Addr())
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
