package limiter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultNamespace is used by Items constructed through the Per* helpers.
const DefaultNamespace = "LIMITER"

// Granularity is the base time unit of a limit.
type Granularity struct {
	Name    string
	Seconds int64
}

var (
	Second = Granularity{"second", 1}
	Minute = Granularity{"minute", 60}
	Hour   = Granularity{"hour", 60 * 60}
	Day    = Granularity{"day", 60 * 60 * 24}
	Month  = Granularity{"month", 60 * 60 * 24 * 30}
	Year   = Granularity{"year", 60 * 60 * 24 * 30 * 12}
)

// Item describes a limit: Amount events per Multiples×Granularity. It is a
// pure value; two Items are the same limit iff amount, granularity and
// multiples are all equal. Window state is never interchangeable between
// differing limit definitions, so the storage key derived by KeyFor
// incorporates all three.
type Item struct {
	Amount      int64
	Multiples   int64
	Granularity Granularity
	Namespace   string
}

// NewItem builds a validated Item. It fails when amount or multiples is not
// positive, or the granularity is zero-valued.
func NewItem(amount, multiples int64, g Granularity, namespace string) (Item, error) {
	it := Item{
		Amount:      amount,
		Multiples:   multiples,
		Granularity: g,
		Namespace:   namespace,
	}
	if err := it.Validate(); err != nil {
		return Item{}, err
	}
	return it, nil
}

func per(amount int64, g Granularity, multiples []int64) Item {
	m := int64(1)
	if len(multiples) > 0 {
		m = multiples[0]
	}
	it, err := NewItem(amount, m, g, DefaultNamespace)
	if err != nil {
		panic(err)
	}
	return it
}

// PerSecond describes a limit of amount per second, or per multiples[0]
// seconds if given. The remaining Per* constructors follow the same shape.
// They panic on non-positive input; use NewItem when the values are not
// literals.
func PerSecond(amount int64, multiples ...int64) Item { return per(amount, Second, multiples) }

func PerMinute(amount int64, multiples ...int64) Item { return per(amount, Minute, multiples) }

func PerHour(amount int64, multiples ...int64) Item { return per(amount, Hour, multiples) }

func PerDay(amount int64, multiples ...int64) Item { return per(amount, Day, multiples) }

func PerMonth(amount int64, multiples ...int64) Item { return per(amount, Month, multiples) }

func PerYear(amount int64, multiples ...int64) Item { return per(amount, Year, multiples) }

// Validate reports whether the Item describes a usable limit.
func (it Item) Validate() error {
	if it.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrConfiguration, it.Amount)
	}
	if it.Multiples <= 0 {
		return fmt.Errorf("%w: multiples must be positive, got %d", ErrConfiguration, it.Multiples)
	}
	if it.Granularity.Seconds <= 0 || it.Granularity.Name == "" {
		return fmt.Errorf("%w: invalid granularity %+v", ErrConfiguration, it.Granularity)
	}
	return nil
}

// Expiry is the length of one window.
func (it Item) Expiry() time.Duration {
	return time.Duration(it.Granularity.Seconds*it.Multiples) * time.Second
}

// KeyFor derives the storage key for this limit and the given identifiers:
// namespace, identifiers, amount, multiples and granularity name joined
// with "/". Amount and granularity are part of the key so distinct limit
// definitions never alias each other's window state.
func (it Item) KeyFor(identifiers ...string) string {
	parts := make([]string, 0, len(identifiers)+4)
	parts = append(parts, it.namespace())
	parts = append(parts, identifiers...)
	parts = append(parts,
		strconv.FormatInt(it.Amount, 10),
		strconv.FormatInt(it.Multiples, 10),
		it.Granularity.Name,
	)
	return strings.Join(parts, "/")
}

func (it Item) namespace() string {
	if it.Namespace == "" {
		return DefaultNamespace
	}
	return it.Namespace
}

func (it Item) String() string {
	return fmt.Sprintf("%d per %d %s", it.Amount, it.Multiples, it.Granularity.Name)
}
