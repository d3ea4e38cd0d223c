package report

import (
	"encoding/json"
	"errors"
)

// The wire structs below double as the HTTP request bodies (JSON) and the
// stored record bodies (CBOR). SignedBytes marshals a copy with the
// signature omitted; json.Marshal field order is declaration order, so the
// byte form is deterministic and reproducible offline.

// Beacon is a transmitted proof-of-coverage beacon report.
type Beacon struct {
	PubKeyBytes   []byte `json:"pub_key" cbor:"1,keyasint"`
	LocalEntropy  []byte `json:"local_entropy" cbor:"2,keyasint"`
	RemoteEntropy []byte `json:"remote_entropy" cbor:"3,keyasint"`
	Data          []byte `json:"data" cbor:"4,keyasint"`
	Frequency     uint64 `json:"frequency" cbor:"5,keyasint"`
	Channel       int32  `json:"channel" cbor:"6,keyasint"`
	Datarate      string `json:"datarate" cbor:"7,keyasint"`
	TxPower       int32  `json:"tx_power" cbor:"8,keyasint"`
	Timestamp     uint64 `json:"timestamp" cbor:"9,keyasint"`
	Signature     []byte `json:"signature" cbor:"10,keyasint"`
}

func (b *Beacon) Kind() Kind     { return KindBeacon }
func (b *Beacon) PubKey() []byte { return b.PubKeyBytes }
func (b *Beacon) Sig() []byte    { return b.Signature }

func (b *Beacon) SignedBytes() ([]byte, error) {
	unsigned := *b
	unsigned.Signature = nil
	return json.Marshal(&unsigned)
}

func (b *Beacon) Validate() error {
	if len(b.Data) == 0 {
		return errors.New("beacon data is empty")
	}
	if b.Frequency == 0 {
		return errors.New("beacon frequency is zero")
	}
	return nil
}

// Witness reports reception of another hotspot's beacon.
type Witness struct {
	PubKeyBytes []byte `json:"pub_key" cbor:"1,keyasint"`
	Data        []byte `json:"data" cbor:"2,keyasint"`
	Timestamp   uint64 `json:"timestamp" cbor:"3,keyasint"`
	TsRes       uint32 `json:"ts_res" cbor:"4,keyasint"`
	Signal      int32  `json:"signal" cbor:"5,keyasint"`
	Snr         int32  `json:"snr" cbor:"6,keyasint"`
	Frequency   uint64 `json:"frequency" cbor:"7,keyasint"`
	Datarate    string `json:"datarate" cbor:"8,keyasint"`
	Signature   []byte `json:"signature" cbor:"9,keyasint"`
}

func (w *Witness) Kind() Kind     { return KindWitness }
func (w *Witness) PubKey() []byte { return w.PubKeyBytes }
func (w *Witness) Sig() []byte    { return w.Signature }

func (w *Witness) SignedBytes() ([]byte, error) {
	unsigned := *w
	unsigned.Signature = nil
	return json.Marshal(&unsigned)
}

func (w *Witness) Validate() error {
	if len(w.Data) == 0 {
		return errors.New("witness data is empty")
	}
	return nil
}

// Heartbeat is a periodic cell radio liveness report.
type Heartbeat struct {
	PubKeyBytes   []byte  `json:"pub_key" cbor:"1,keyasint"`
	HotspotType   string  `json:"hotspot_type" cbor:"2,keyasint"`
	CellID        uint32  `json:"cell_id" cbor:"3,keyasint"`
	Timestamp     uint64  `json:"timestamp" cbor:"4,keyasint"`
	Lat           float64 `json:"lat" cbor:"5,keyasint"`
	Lon           float64 `json:"lon" cbor:"6,keyasint"`
	OperationMode bool    `json:"operation_mode" cbor:"7,keyasint"`
	CbsdCategory  string  `json:"cbsd_category" cbor:"8,keyasint"`
	CbsdID        string  `json:"cbsd_id" cbor:"9,keyasint"`
	Signature     []byte  `json:"signature" cbor:"10,keyasint"`
}

func (h *Heartbeat) Kind() Kind     { return KindHeartbeat }
func (h *Heartbeat) PubKey() []byte { return h.PubKeyBytes }
func (h *Heartbeat) Sig() []byte    { return h.Signature }

func (h *Heartbeat) SignedBytes() ([]byte, error) {
	unsigned := *h
	unsigned.Signature = nil
	return json.Marshal(&unsigned)
}

func (h *Heartbeat) Validate() error {
	if h.CbsdID == "" {
		return errors.New("heartbeat cbsd_id is empty")
	}
	return nil
}

// Speedtest is a periodic backhaul measurement report.
type Speedtest struct {
	PubKeyBytes   []byte `json:"pub_key" cbor:"1,keyasint"`
	Serial        string `json:"serial" cbor:"2,keyasint"`
	Timestamp     uint64 `json:"timestamp" cbor:"3,keyasint"`
	UploadSpeed   uint64 `json:"upload_speed" cbor:"4,keyasint"`
	DownloadSpeed uint64 `json:"download_speed" cbor:"5,keyasint"`
	Latency       uint32 `json:"latency" cbor:"6,keyasint"`
	Signature     []byte `json:"signature" cbor:"7,keyasint"`
}

func (s *Speedtest) Kind() Kind     { return KindSpeedtest }
func (s *Speedtest) PubKey() []byte { return s.PubKeyBytes }
func (s *Speedtest) Sig() []byte    { return s.Signature }

func (s *Speedtest) SignedBytes() ([]byte, error) {
	unsigned := *s
	unsigned.Signature = nil
	return json.Marshal(&unsigned)
}

func (s *Speedtest) Validate() error {
	if s.Serial == "" {
		return errors.New("speedtest serial is empty")
	}
	return nil
}
