package hat

import "context"

// GetModels fetches an endpoint's records decoded into one model type.
func GetModels[M any, PM modelPtr[M]](ctx context.Context, c *Client, endpoint string, opts *GetOpts) ([]*M, error) {
	records, err := c.Get(ctx, []string{endpoint}, opts)
	if err != nil {
		return nil, err
	}
	return decodeAs[M, PM](records)
}

// PostModels creates the models' records and decodes the server's response
// back into the same type.
func PostModels[M any, PM modelPtr[M]](ctx context.Context, c *Client, models ...*M) ([]*M, error) {
	records, err := recordsOf[M, PM](models)
	if err != nil {
		return nil, err
	}
	posted, err := c.Post(ctx, records)
	if err != nil {
		return nil, err
	}
	return decodeAs[M, PM](posted)
}

// PutModels updates the models' records and decodes the server's response
// back into the same type.
func PutModels[M any, PM modelPtr[M]](ctx context.Context, c *Client, models ...*M) ([]*M, error) {
	records, err := recordsOf[M, PM](models)
	if err != nil {
		return nil, err
	}
	updated, err := c.Put(ctx, records)
	if err != nil {
		return nil, err
	}
	return decodeAs[M, PM](updated)
}

// SaveModel persists one model with the Client.Save put-then-post fallback
// and returns the stored state.
func SaveModel[M any, PM modelPtr[M]](ctx context.Context, c *Client, model *M) (*M, error) {
	rec, err := RecordOf(PM(model))
	if err != nil {
		return nil, err
	}
	saved, err := c.Save(ctx, rec)
	if err != nil {
		return nil, err
	}
	out := PM(new(M))
	if err := DecodeRecord(saved, out); err != nil {
		return nil, err
	}
	return (*M)(out), nil
}

// DeleteModels removes the models' records, which must all carry record ids.
func DeleteModels[M any, PM modelPtr[M]](ctx context.Context, c *Client, models ...*M) error {
	records, err := recordsOf[M, PM](models)
	if err != nil {
		return err
	}
	return c.DeleteRecords(ctx, records)
}

func recordsOf[M any, PM modelPtr[M]](models []*M) ([]Record, error) {
	records := make([]Record, len(models))
	for i, model := range models {
		rec, err := RecordOf(PM(model))
		if err != nil {
			return nil, err
		}
		records[i] = rec
	}
	return records, nil
}
