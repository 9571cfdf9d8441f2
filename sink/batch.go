package sink

// Wire form of ingest batch for queues and brokers, see batch.proto.

//go:generate protoc --go_out=paths=source_relative:. batch.proto

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/mdp/ingest"
	"github.com/temoto/mdp/mdp"
	"google.golang.org/protobuf/proto"
)

func NewBatch(deviceID string, records []ingest.Record) *Batch {
	b := &Batch{DeviceId: deviceID, Records: make([]*Record, len(records))}
	for i, r := range records {
		pr := &Record{
			Seq:        r.Seq,
			TimeMs:     unixMilli(r.Time),
			ReceivedMs: unixMilli(r.ReceivedAt),
			Type:       uint32(r.Type),
			EventCode:  uint32(r.EventCode),
			Fields:     make([]*Field, len(r.Fields)),
		}
		for j, f := range r.Fields {
			pf := &Field{Key: f.Key, Kind: uint32(f.Value.Kind)}
			switch f.Value.Kind {
			case mdp.KindFloat:
				pf.Float = f.Value.Float()
			case mdp.KindInt:
				pf.Int = f.Value.Int()
			case mdp.KindBool:
				pf.Bool = f.Value.Bool()
			}
			pr.Fields[j] = pf
		}
		b.Records[i] = pr
	}
	return b
}

// IngestRecords converts back. Unknown field kind is an error.
func (m *Batch) IngestRecords() ([]ingest.Record, error) {
	rs := make([]ingest.Record, len(m.Records))
	for i, pr := range m.Records {
		if pr == nil {
			return nil, errors.NotValidf("batch device=%s record[%d]=nil", m.DeviceId, i)
		}
		r := ingest.Record{
			DeviceID:   m.DeviceId,
			Seq:        pr.Seq,
			Time:       fromUnixMilli(pr.TimeMs),
			ReceivedAt: fromUnixMilli(pr.ReceivedMs),
			Type:       mdp.Type(pr.Type),
			EventCode:  uint16(pr.EventCode),
			Fields:     make(mdp.Fields, len(pr.Fields)),
		}
		for j, pf := range pr.Fields {
			if pf == nil {
				return nil, errors.NotValidf("batch device=%s seq=%d field[%d]=nil", m.DeviceId, pr.Seq, j)
			}
			var v mdp.Value
			switch mdp.Kind(pf.Kind) {
			case mdp.KindFloat:
				v = mdp.Float(pf.Float)
			case mdp.KindInt:
				v = mdp.Int(pf.Int)
			case mdp.KindBool:
				v = mdp.Bool(pf.Bool)
			default:
				return nil, errors.Annotatef(mdp.ErrUnknownType, "batch device=%s seq=%d key=%s kind=%d", m.DeviceId, pr.Seq, pf.Key, pf.Kind)
			}
			r.Fields[j] = mdp.Field{Key: pf.Key, Value: v}
		}
		rs[i] = r
	}
	return rs, nil
}

func MarshalBatch(deviceID string, records []ingest.Record) ([]byte, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(NewBatch(deviceID, records))
	return b, errors.Annotate(err, "batch marshal")
}

func UnmarshalBatch(b []byte) (string, []ingest.Record, error) {
	var pb Batch
	if err := proto.Unmarshal(b, &pb); err != nil {
		return "", nil, errors.Annotate(err, "batch unmarshal")
	}
	rs, err := pb.IngestRecords()
	return pb.DeviceId, rs, err
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
