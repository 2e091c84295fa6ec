package transit

import "fmt"

// Product is the transport mode of a line, matching the provider's closed
// product set for the Berlin network.
type Product string

const (
	ProductBus      Product = "bus"
	ProductSubway   Product = "subway"
	ProductTram     Product = "tram"
	ProductSuburban Product = "suburban" // S-Bahn
	ProductFerry    Product = "ferry"
	ProductExpress  Product = "express" // IC/ICE
	ProductRegional Product = "regional"
)

// ParseProduct maps a provider product string onto the closed Product set.
// Unknown values are an error so malformed records fail normalization
// instead of being coerced.
func ParseProduct(s string) (Product, error) {
	switch Product(s) {
	case ProductBus, ProductSubway, ProductTram, ProductSuburban, ProductFerry, ProductExpress, ProductRegional:
		return Product(s), nil
	}
	return "", fmt.Errorf("unknown product %q", s)
}

// Direction says which stop board an event came from. The provider has no
// closed inbound/outbound notion (its direction field is free destination
// text), so the board kind is the direction signal.
type Direction string

const (
	DirectionArrival   Direction = "arrival"
	DirectionDeparture Direction = "departure"
)

// ParseDirection maps a string onto the Direction enum.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionArrival, DirectionDeparture:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}
