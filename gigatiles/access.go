package gigatiles

import "fmt"

// Intent of an operation against a dataset.
type Intent int

const (
	IntentRead Intent = iota
	IntentModify
	IntentDelete
)

func (i Intent) String() string {
	switch i {
	case IntentRead:
		return "read"
	case IntentModify:
		return "modify"
	case IntentDelete:
		return "delete"
	}
	return "unknown"
}

// Authorize decides whether user may perform intent on dataset. Demo
// datasets are public-read and immutable; everything else is owner-only.
func Authorize(d *Dataset, u *User, intent Intent) error {
	if d.IsDemo {
		if intent == IntentRead {
			return nil
		}
		return fmt.Errorf("demo datasets are immutable: %w", ErrForbidden)
	}
	if u == nil {
		return fmt.Errorf("%s %s: %w", intent, d.ID, ErrUnauthorized)
	}
	if u.ID != d.OwnerID || !u.IsActive {
		return fmt.Errorf("%s %s: %w", intent, d.ID, ErrForbidden)
	}
	return nil
}
