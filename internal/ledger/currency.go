package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

var prefixCurrency = []byte("c/") // c/<currency(4)> -> Currency JSON

// Currency holds the display metadata of a currency.
type Currency struct {
	ID       types.CurrencyID `json:"id"`
	Name     string           `json:"name"`
	Symbol   string           `json:"symbol"`
	Decimals uint8            `json:"decimals"`
}

// SetCurrency registers or replaces currency metadata.
func (l *Ledger) SetCurrency(c Currency) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("currency marshal: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.j.put(currencyKey(c.ID), data)
	return nil
}

// Currency returns the metadata of a registered currency.
func (l *Ledger) Currency(id types.CurrencyID) (*Currency, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.j.get(currencyKey(id))
	if err != nil {
		return nil, fmt.Errorf("currency get: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("currency %s: %w", id, ErrUnknownCurrency)
	}
	var c Currency
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("currency unmarshal: %w", err)
	}
	return &c, nil
}

// Currencies returns all registered currencies ordered by id.
func (l *Ledger) Currencies() ([]Currency, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := []Currency{}
	err := l.j.forEach(prefixCurrency, func(key, value []byte) error {
		// Key layout: "c/" + id(4).
		if len(key) != len(prefixCurrency)+4 {
			return nil // Malformed key, skip.
		}
		var c Currency
		if err := json.Unmarshal(value, &c); err != nil {
			return nil // Skip corrupt entries.
		}
		list = append(list, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func currencyKey(id types.CurrencyID) []byte {
	key := make([]byte, len(prefixCurrency)+4)
	copy(key, prefixCurrency)
	binary.BigEndian.PutUint32(key[len(prefixCurrency):], uint32(id))
	return key
}
