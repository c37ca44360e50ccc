package p21

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"stepcore/internal/blob"
	"stepcore/internal/core"
)

// ContentType is the media type of archived exchange files.
const ContentType = "model/step"

// DecodeBlob decodes the exchange file stored under key.
func (d *Decoder) DecodeBlob(ctx context.Context, store blob.Store, key string, tx *core.Transaction, repo *core.Repository) ([]*core.SdaiModel, error) {
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange file %s: %w", key, err)
	}
	defer rc.Close()
	return d.Decode(ctx, rc, tx, repo)
}

// DecodeBlob decodes an archived exchange file with a default decoder.
func DecodeBlob(ctx context.Context, store blob.Store, key string, tx *core.Transaction, repo *core.Repository, opts ...DecoderOption) ([]*core.SdaiModel, error) {
	return NewDecoder(opts...).DecodeBlob(ctx, store, key, tx, repo)
}

// ArchiveModels encodes models and stores the exchange file under key.
// Existing keys are not overwritten.
func ArchiveModels(ctx context.Context, store blob.Store, key string, h Header, models ...*core.SdaiModel) (blob.Info, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(h, models...); err != nil {
		return blob.Info{}, err
	}
	names := make([]string, len(models))
	instances := 0
	for i, m := range models {
		names[i] = m.Name()
		instances += m.Contents().Len()
	}
	info, err := store.Put(ctx, key, &buf, blob.PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			"models":    strings.Join(names, ","),
			"instances": strconv.Itoa(instances),
		},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("archive exchange file %s: %w", key, err)
	}
	return info, nil
}
