package store

import (
	"context"
	"errors"

	"github.com/sells-group/account-engine/internal/model"
)

// BulkInserter is implemented by stores that can register many records at
// once.
type BulkInserter interface {
	InsertMissing(ctx context.Context, recs []model.AccountRecord) (int64, error)
}

// Import registers recs and returns how many were new. Records whose id
// already exists are skipped so their ban and health state survive a
// re-import.
func Import(ctx context.Context, st Store, recs []model.AccountRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	if bi, ok := st.(BulkInserter); ok {
		n, err := bi.InsertMissing(ctx, recs)
		return int(n), err
	}

	added := 0
	for _, rec := range recs {
		_, err := st.Get(ctx, rec.ID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, model.ErrAccountNotFound):
			return added, err
		}
		if err := st.Upsert(ctx, rec); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
