package hat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mitchellh/mapstructure"
)

// Record is the wire-level envelope for a single Hat record: a
// namespace-qualified endpoint, the server-assigned record id, and an opaque
// payload. RecordID is empty until the server assigns one.
type Record struct {
	Endpoint string         `json:"endpoint,omitempty"`
	RecordID string         `json:"recordId,omitempty"`
	Data     map[string]any `json:"data"`
}

// wireRecord defers payload decoding so that both object payloads and
// JSON-encoded string payloads are accepted.
type wireRecord struct {
	Endpoint string          `json:"endpoint"`
	RecordID string          `json:"recordId"`
	Data     json.RawMessage `json:"data"`
}

func (w wireRecord) record() (Record, error) {
	rec := Record{Endpoint: w.Endpoint, RecordID: w.RecordID}
	if len(w.Data) == 0 {
		return rec, nil
	}
	raw := w.Data
	if raw[0] == '"' {
		// The server occasionally returns the payload as a JSON-encoded string.
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return rec, err
		}
		raw = []byte(encoded)
	}
	if err := json.Unmarshal(raw, &rec.Data); err != nil {
		return rec, err
	}
	return rec, nil
}

// ParseRecords decodes a JSON array of envelope records. A single object is
// normalized to a one-element slice. Failures carry the offending record
// index as a *DecodeError.
func ParseRecords(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var wires []wireRecord
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &wires); err != nil {
			return nil, &DecodeError{Index: 0, Err: err}
		}
	} else {
		var wire wireRecord
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return nil, &DecodeError{Index: 0, Err: err}
		}
		wires = []wireRecord{wire}
	}
	records := make([]Record, len(wires))
	for i, wire := range wires {
		rec, err := wire.record()
		if err != nil {
			return nil, &DecodeError{Index: i, Err: err}
		}
		records[i] = rec
	}
	return records, nil
}

// Model is implemented by typed records. Embed BaseModel to satisfy it; the
// envelope fields are populated only by the codec, never from the payload.
type Model interface {
	envelope() (endpoint, recordID string)
	setEnvelope(endpoint, recordID string)
}

// BaseModel carries the reserved envelope fields shared by all typed models.
// Both fields are excluded from the record payload.
type BaseModel struct {
	Endpoint string `json:"-"`
	RecordID string `json:"-"`
}

func (m *BaseModel) envelope() (string, string) { return m.Endpoint, m.RecordID }

func (m *BaseModel) setEnvelope(endpoint, recordID string) {
	m.Endpoint = endpoint
	m.RecordID = recordID
}

// ModelFactory returns a fresh typed model ready to be decoded into.
type ModelFactory func() Model

// ParseModels decodes envelope records and binds each payload to the model
// produced by the next factory. When more records arrive than factories were
// supplied, the last factory is reused for the remainder.
func ParseModels(data []byte, factories ...ModelFactory) ([]Model, error) {
	if len(factories) == 0 {
		return nil, fmt.Errorf("%w: at least one model factory is required", ErrConfiguration)
	}
	records, err := ParseRecords(data)
	if err != nil {
		return nil, err
	}
	models := make([]Model, len(records))
	for i, rec := range records {
		factory := factories[len(factories)-1]
		if i < len(factories) {
			factory = factories[i]
		}
		model := factory()
		if err := DecodeRecord(rec, model); err != nil {
			return nil, &DecodeError{Index: i, Err: err}
		}
		models[i] = model
	}
	return models, nil
}

// Validator is implemented by models that constrain their payload fields.
// DecodeRecord runs it after binding, so a payload missing a required field
// fails decoding instead of leaving the field zero-valued.
type Validator interface {
	Validate() error
}

// DecodeRecord binds a record's payload to the model and populates the
// model's envelope fields from the envelope, never from the payload. Models
// implementing Validator are validated after binding.
func DecodeRecord(rec Record, model Model) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  model,
		TagName: "json",
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(rec.Data); err != nil {
		return err
	}
	model.setEnvelope(rec.Endpoint, rec.RecordID)
	if v, ok := model.(Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RecordOf wraps a model's payload fields into an envelope record. The
// envelope fields come from the model's BaseModel, not from the payload.
func RecordOf(model Model) (Record, error) {
	raw, err := json.Marshal(model)
	if err != nil {
		return Record{}, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Record{}, err
	}
	endpoint, recordID := model.envelope()
	return Record{Endpoint: endpoint, RecordID: recordID, Data: data}, nil
}

// MarshalModels serializes models as an array of envelope records. When
// dataOnly is true only the payloads are emitted, omitting endpoint and
// record id.
func MarshalModels(models []Model, dataOnly bool) ([]byte, error) {
	out := make([]any, len(models))
	for i, model := range models {
		rec, err := RecordOf(model)
		if err != nil {
			return nil, err
		}
		if dataOnly {
			out[i] = rec.Data
		} else {
			out[i] = rec
		}
	}
	return json.Marshal(out)
}

// modelPtr constrains PM to a pointer to M that satisfies Model, so generic
// helpers can allocate models without reflection.
type modelPtr[M any] interface {
	*M
	Model
}

// ParseAs decodes envelope records into a single model type.
func ParseAs[M any, PM modelPtr[M]](data []byte) ([]*M, error) {
	records, err := ParseRecords(data)
	if err != nil {
		return nil, err
	}
	return decodeAs[M, PM](records)
}

func decodeAs[M any, PM modelPtr[M]](records []Record) ([]*M, error) {
	models := make([]*M, len(records))
	for i, rec := range records {
		model := PM(new(M))
		if err := DecodeRecord(rec, model); err != nil {
			return nil, &DecodeError{Index: i, Err: err}
		}
		models[i] = (*M)(model)
	}
	return models, nil
}

// Ordering is the sort direction accepted by GetOpts.
type Ordering string

const (
	OrderingAscending  Ordering = "ascending"
	OrderingDescending Ordering = "descending"
)

// GetOpts are optional paging and ordering parameters for Get requests.
// Zero-valued fields are omitted from the query string.
type GetOpts struct {
	OrderBy  string   `json:"orderBy,omitempty"`
	Ordering Ordering `json:"ordering,omitempty"`
	Skip     int      `json:"skip,omitempty"`
	Take     int      `json:"take,omitempty"`
}

// Validate checks the option bounds: skip must be non-negative, take must be
// between 0 and 1000 inclusive, and ordering must be a known direction.
func (o GetOpts) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Ordering, validation.In(OrderingAscending, OrderingDescending)),
		validation.Field(&o.Skip, validation.Min(0)),
		validation.Field(&o.Take, validation.Min(0), validation.Max(1000)),
	)
}

func (o GetOpts) query() url.Values {
	q := url.Values{}
	if o.OrderBy != "" {
		q.Set("orderBy", o.OrderBy)
	}
	if o.Ordering != "" {
		q.Set("ordering", string(o.Ordering))
	}
	if o.Skip != 0 {
		q.Set("skip", strconv.Itoa(o.Skip))
	}
	if o.Take != 0 {
		q.Set("take", strconv.Itoa(o.Take))
	}
	return q
}
