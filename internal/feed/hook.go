package feed

import (
	"reflect"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

// Publisher accepts row events.
type Publisher interface {
	Publish(ev domain.RowEvent)
}

// Attach registers GORM callbacks that publish a row event for every
// successful create, update, and delete of a feed-mapped model. Callbacks run
// after the statement's own transaction is committed. Writes made through
// maps or column updates carry no typed row and publish nothing.
func Attach(db *gorm.DB, pub Publisher) error {
	cb := db.Callback()
	if err := cb.Create().After("gorm:commit_or_rollback_transaction").
		Register("feed:publish_create", publishFn(pub, domain.OpInsert)); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:commit_or_rollback_transaction").
		Register("feed:publish_update", publishFn(pub, domain.OpUpdate)); err != nil {
		return err
	}
	return cb.Delete().After("gorm:commit_or_rollback_transaction").
		Register("feed:publish_delete", publishFn(pub, domain.OpDelete))
}

func publishFn(pub Publisher, op domain.Op) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		if tx.Error != nil || tx.Statement == nil || tx.RowsAffected == 0 {
			return
		}
		at := time.Now().UTC()
		for _, row := range rowsOf(tx.Statement.Dest) {
			pub.Publish(domain.RowEvent{Table: row.Table(), Op: op, Row: row, At: at})
		}
	}
}

// rowsOf maps a statement destination (model, pointer, or slice of either)
// to typed rows.
func rowsOf(dest any) []domain.Row {
	if dest == nil {
		return nil
	}
	if row, ok := domain.RowFromModel(dest); ok {
		return []domain.Row{row}
	}
	v := reflect.ValueOf(dest)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil
	}
	out := make([]domain.Row, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		if row, ok := domain.RowFromModel(v.Index(i).Interface()); ok {
			out = append(out, row)
		}
	}
	return out
}
