package cache

import (
	"bytes"
	"io"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/klauspost/pgzip"
)

const (
	encodingIdentity = "identity"
	encodingGzip     = "gzip"
)

// Entry is the unit stored by a durable tier.
type Entry struct {
	Payload   []byte
	ExpiresAt time.Time
	// SizeBytes is the uncompressed payload length.
	SizeBytes int64
}

func (e Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// encodeEnvelope serializes e as
//
//	{"payload":"<base64>","expiresAt":"<RFC3339Nano>","sizeBytes":n,"encoding":"identity|gzip"}
func encodeEnvelope(e Entry, compress bool) ([]byte, error) {
	payload := e.Payload
	encoding := encodingIdentity
	if compress {
		var buf bytes.Buffer
		zw := pgzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, errors.Wrap(err, "compress payload")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "close gzip writer")
		}
		payload = buf.Bytes()
		encoding = encodingGzip
	}

	var w jx.Encoder
	w.ObjStart()
	w.FieldStart("payload")
	w.Base64(payload)
	w.FieldStart("expiresAt")
	w.Str(e.ExpiresAt.UTC().Format(time.RFC3339Nano))
	w.FieldStart("sizeBytes")
	w.Int64(int64(len(e.Payload)))
	w.FieldStart("encoding")
	w.Str(encoding)
	w.ObjEnd()
	return w.Bytes(), nil
}

func decodeEnvelope(data []byte) (Entry, error) {
	var (
		e        Entry
		encoding = encodingIdentity
		seenExp  bool
	)
	d := jx.DecodeBytes(data)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "payload":
			v, err := d.Base64()
			if err != nil {
				return errors.Wrap(err, "payload")
			}
			e.Payload = v
		case "expiresAt":
			s, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "expiresAt")
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return errors.Wrap(err, "parse expiresAt")
			}
			e.ExpiresAt = t
			seenExp = true
		case "sizeBytes":
			n, err := d.Int64()
			if err != nil {
				return errors.Wrap(err, "sizeBytes")
			}
			e.SizeBytes = n
		case "encoding":
			s, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "encoding")
			}
			encoding = s
		default:
			return d.Skip()
		}
		return nil
	}); err != nil {
		return Entry{}, errors.Wrap(err, "decode envelope")
	}
	if !seenExp {
		return Entry{}, errors.New("envelope without expiresAt")
	}

	switch encoding {
	case encodingIdentity:
	case encodingGzip:
		zr, err := pgzip.NewReader(bytes.NewReader(e.Payload))
		if err != nil {
			return Entry{}, errors.Wrap(err, "create gzip reader")
		}
		defer func() { _ = zr.Close() }()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return Entry{}, errors.Wrap(err, "decompress payload")
		}
		e.Payload = raw
	default:
		return Entry{}, errors.Errorf("unknown envelope encoding %q", encoding)
	}
	if e.SizeBytes != int64(len(e.Payload)) {
		return Entry{}, errors.Errorf("envelope size mismatch: header %d, payload %d", e.SizeBytes, len(e.Payload))
	}
	return e, nil
}
