package payment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Package is a purchasable bundle of paid credits.
type Package struct {
	ID       string                     `json:"id"`
	Name     string                     `json:"name"`
	Credits  int                        `json:"credits"`
	Prices   map[string]decimal.Decimal `json:"prices"`
	Featured bool                       `json:"featured"`
}

// Price returns the package price in currency (ISO code, any case).
func (p Package) Price(currency string) (decimal.Decimal, error) {
	price, ok := p.Prices[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s for package %s", ErrUnsupportedCurrency, currency, p.ID)
	}
	return price, nil
}

// Catalog is the immutable set of packages on sale.
type Catalog struct {
	packages []Package
	byID     map[string]Package
}

func NewCatalog(pkgs ...Package) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Package, len(pkgs))}
	for _, p := range pkgs {
		if p.ID == "" {
			return nil, fmt.Errorf("package with empty id")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate package %s", p.ID)
		}
		if p.Credits <= 0 {
			return nil, fmt.Errorf("package %s: credits must be positive", p.ID)
		}
		prices := make(map[string]decimal.Decimal, len(p.Prices))
		for cur, amount := range p.Prices {
			if !amount.IsPositive() {
				return nil, fmt.Errorf("package %s: %s price must be positive", p.ID, cur)
			}
			prices[strings.ToUpper(cur)] = amount
		}
		p.Prices = prices
		c.packages = append(c.packages, p)
		c.byID[p.ID] = p
	}
	sort.SliceStable(c.packages, func(i, j int) bool { return c.packages[i].Credits < c.packages[j].Credits })
	return c, nil
}

// DefaultCatalog is the catalog sold in production.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		Package{
			ID: "pack1", Name: "Starter", Credits: 10,
			Prices: map[string]decimal.Decimal{
				"USD": decimal.RequireFromString("2.99"),
				"RUB": decimal.RequireFromString("249"),
			},
		},
		Package{
			ID: "pack2", Name: "Basic", Credits: 30, Featured: true,
			Prices: map[string]decimal.Decimal{
				"USD": decimal.RequireFromString("7.99"),
				"RUB": decimal.RequireFromString("599"),
			},
		},
		Package{
			ID: "pack3", Name: "Professional", Credits: 100,
			Prices: map[string]decimal.Decimal{
				"USD": decimal.RequireFromString("19.99"),
				"RUB": decimal.RequireFromString("1499"),
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) List() []Package {
	out := make([]Package, len(c.packages))
	copy(out, c.packages)
	return out
}

func (c *Catalog) Get(id string) (Package, error) {
	p, ok := c.byID[id]
	if !ok {
		return Package{}, fmt.Errorf("%w: %s", ErrPackageNotFound, id)
	}
	return p, nil
}
