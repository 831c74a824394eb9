package data

import (
	"fmt"
	"strings"
)

// Direction is a sort direction.
type Direction int

// Sort directions.
const (
	Asc Direction = iota
	Desc
)

// String returns "asc" or "desc".
func (d Direction) String() string {
	if d == Desc {
		return "desc"
	}
	return "asc"
}

// Order is a single sort order on a property path.
type Order struct {
	Property  string
	Direction Direction
}

// String returns "path dir".
func (o Order) String() string {
	return o.Property + " " + o.Direction.String()
}

// Sort is an ordered list of sort orders.
type Sort struct {
	Orders []Order
}

// SortBy returns an ascending sort on the property paths.
func SortBy(props ...string) Sort {
	return SortByDirection(Asc, props...)
}

// SortByDirection returns a sort on the property paths in one direction.
func SortByDirection(dir Direction, props ...string) Sort {
	s := Sort{Orders: make([]Order, len(props))}
	for i, p := range props {
		s.Orders[i] = Order{Property: p, Direction: dir}
	}
	return s
}

// Then returns the sort with an order appended.
func (s Sort) Then(prop string, dir Direction) Sort {
	orders := make([]Order, len(s.Orders), len(s.Orders)+1)
	copy(orders, s.Orders)
	return Sort{Orders: append(orders, Order{Property: prop, Direction: dir})}
}

// IsEmpty reports whether the sort has no orders.
func (s Sort) IsEmpty() bool { return len(s.Orders) == 0 }

// String returns the orders joined by commas.
func (s Sort) String() string {
	parts := make([]string, len(s.Orders))
	for i, o := range s.Orders {
		parts[i] = o.String()
	}
	return strings.Join(parts, ", ")
}

// ParseSort parses "a, b desc" style sort strings.
func ParseSort(s string) (Sort, error) {
	var out Sort
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		switch len(fields) {
		case 0:
			continue
		case 1:
			out.Orders = append(out.Orders, Order{Property: fields[0]})
		case 2:
			var dir Direction
			switch strings.ToLower(fields[1]) {
			case "asc":
			case "desc":
				dir = Desc
			default:
				return Sort{}, fmt.Errorf("data: invalid sort direction %q", fields[1])
			}
			out.Orders = append(out.Orders, Order{Property: fields[0], Direction: dir})
		default:
			return Sort{}, fmt.Errorf("data: invalid sort order %q", part)
		}
	}
	return out, nil
}
