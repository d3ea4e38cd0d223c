package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"reportd/pkg/keys"
	"reportd/pkg/report"
	"reportd/pkg/sink"
	"reportd/pkg/verify"
)

type testEnv struct {
	srv  *httptest.Server
	base string
}

func setup(t *testing.T, gate *verify.Gate, streams ...string) *testEnv {
	t.Helper()
	base := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	sinks := make(map[report.Kind]*sink.Sink)
	for _, name := range streams {
		s, err := sink.New(sink.Options{Stream: name, BasePath: base})
		if err != nil {
			t.Fatalf("sink.New(%s): %v", name, err)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = s.Run(ctx)
		}()
		t.Cleanup(func() { <-done })
		sinks[report.Kind(name)] = s
	}
	t.Cleanup(cancel)

	r := mux.NewRouter()
	New(gate, sinks).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, base: base}
}

func signedSpeedtest(t *testing.T, net keys.Network) *report.Speedtest {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	st := &report.Speedtest{
		PubKeyBytes:   keys.Encode(net, pub),
		Serial:        "SN-001",
		Timestamp:     1700000000,
		UploadSpeed:   10_000_000,
		DownloadSpeed: 120_000_000,
		Latency:       18,
	}
	msg, err := st.SignedBytes()
	if err != nil {
		t.Fatalf("SignedBytes: %v", err)
	}
	st.Signature = ed25519.Sign(priv, msg)
	return st
}

func post(t *testing.T, url string, body any) (*http.Response, map[string]string) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer res.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res, out
}

func TestSubmitAccepted(t *testing.T) {
	env := setup(t, verify.New(keys.Mainnet, nil), "speedtest")
	st := signedSpeedtest(t, keys.Mainnet)

	res, out := post(t, env.srv.URL+"/v1/report/speedtest", st)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", res.StatusCode, out)
	}
	id := out["id"]
	if len(id) != report.EventIDSize*2 {
		t.Fatalf("id = %q", id)
	}

	// same report resubmitted gets a different id: the receive timestamp
	// participates in the digest
	res2, out2 := post(t, env.srv.URL+"/v1/report/speedtest", st)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("resubmit status = %d", res2.StatusCode)
	}
	if out2["id"] == id {
		t.Fatalf("distinct submissions produced the same id")
	}
}

func TestSubmitRejections(t *testing.T) {
	env := setup(t, verify.New(keys.Mainnet, nil), "speedtest")
	url := env.srv.URL + "/v1/report/speedtest"

	good := signedSpeedtest(t, keys.Mainnet)

	badKey := *good
	badKey.PubKeyBytes = badKey.PubKeyBytes[:5]

	wrongNet := signedSpeedtest(t, keys.Testnet)

	badSig := *good
	badSig.Signature = append([]byte{}, good.Signature...)
	badSig.Signature[0] ^= 0x01

	cases := []struct {
		name string
		body any
		want string
	}{
		{"bad key", &badKey, "invalid_public_key"},
		{"wrong network", wrongNet, "invalid_network"},
		{"bad signature", &badSig, "invalid_signature"},
		{"not json", nil, "invalid_argument"},
	}
	for _, tc := range cases {
		var res *http.Response
		var out map[string]string
		if tc.body == nil {
			raw, err := http.Post(url, "application/json", bytes.NewReader([]byte("{nope")))
			if err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			defer raw.Body.Close()
			res = raw
			if err := json.NewDecoder(raw.Body).Decode(&out); err != nil {
				t.Fatalf("%s: decode: %v", tc.name, err)
			}
		} else {
			res, out = post(t, url, tc.body)
		}
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", tc.name, res.StatusCode)
		}
		if out["error"] != tc.want {
			t.Fatalf("%s: error = %q, want %q", tc.name, out["error"], tc.want)
		}
	}
}

func TestSubmitValidateFailure(t *testing.T) {
	env := setup(t, verify.New(keys.Mainnet, nil), "speedtest")

	st := signedSpeedtest(t, keys.Mainnet)
	st.Serial = ""
	// re-sign so only the field check fails
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	st.PubKeyBytes = keys.Encode(keys.Mainnet, pub)
	st.Signature = nil
	msg, _ := st.SignedBytes()
	st.Signature = ed25519.Sign(priv, msg)

	res, out := post(t, env.srv.URL+"/v1/report/speedtest", st)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if out["error"] != "invalid_argument" {
		t.Fatalf("error = %q", out["error"])
	}
}

func TestUnroutedKind(t *testing.T) {
	env := setup(t, verify.New(keys.Mainnet, nil), "speedtest")
	st := signedSpeedtest(t, keys.Mainnet)
	b, _ := json.Marshal(st)
	res, err := http.Post(env.srv.URL+"/v1/report/beacon", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for disabled stream", res.StatusCode)
	}
}

func TestAcceptedReportIsPersisted(t *testing.T) {
	base := t.TempDir()
	s, err := sink.New(sink.Options{Stream: "speedtest", BasePath: base})
	if err != nil {
		t.Fatalf("sink.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	r := mux.NewRouter()
	New(verify.New(keys.Mainnet, nil), map[report.Kind]*sink.Sink{report.KindSpeedtest: s}).Routes(r)
	srv := httptest.NewServer(r)

	st := signedSpeedtest(t, keys.Mainnet)
	res, out := post(t, srv.URL+"/v1/report/speedtest", st)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	srv.Close()
	cancel()
	<-done

	pending := filepath.Join(base, "speedtest", "pending")
	names, err := sink.ListSegments(pending)
	if err != nil || len(names) != 1 {
		t.Fatalf("pending = %v, err %v", names, err)
	}
	var count int
	err = sink.ReadRecords(filepath.Join(pending, names[0]), func(rec []byte) error {
		count++
		in, err := report.Decode(rec)
		if err != nil {
			return err
		}
		got, ok := in.Report.(*report.Speedtest)
		if !ok || got.Serial != "SN-001" {
			t.Fatalf("stored report = %+v", in.Report)
		}
		// the returned id is reproducible from the stored record alone
		signed, err := got.SignedBytes()
		if err != nil {
			return err
		}
		id := report.EventID(signed, time.UnixMilli(in.ReceivedTimestamp), got.PubKeyBytes)
		if report.EventIDString(id) != out["id"] {
			t.Fatalf("stored id %s != returned id %s", report.EventIDString(id), out["id"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if count != 1 {
		t.Fatalf("stored %d records, want 1", count)
	}
}

func TestReceivedAtMonotonic(t *testing.T) {
	s := New(verify.New(keys.Mainnet, nil), nil)
	var last int64
	for i := 0; i < 1000; i++ {
		ts := s.receivedAt(report.KindBeacon).UnixMilli()
		if ts <= last {
			t.Fatalf("timestamp went backwards: %d after %d", ts, last)
		}
		last = ts
	}
}
