package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type accountSearchRequest struct {
	OnlyActiveAccounts bool `json:"onlyActiveAccounts"`
}

type accountRecord struct {
	ID      json.Number `json:"id"`
	Balance float64     `json:"balance"`
}

type accountSearchResponse struct {
	Accounts []accountRecord `json:"accounts"`
}

// resolveAccount fetches the active-account list and selects the one
// matching the configured upstream account id.
func (c *Client) resolveAccount(ctx context.Context) (accountRecord, error) {
	var resp accountSearchResponse
	if err := c.post(ctx, "/Account/search", accountSearchRequest{OnlyActiveAccounts: true}, &resp); err != nil {
		return accountRecord{}, err
	}
	for _, a := range resp.Accounts {
		if a.ID.String() == c.upstreamAccID {
			return a, nil
		}
	}
	return accountRecord{}, fmt.Errorf("broker: account %s not present in Account/search response", c.upstreamAccID)
}

type contractSearchRequest struct {
	SearchText string `json:"searchText"`
	Live       bool   `json:"live"`
}

type contractRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type contractSearchResponse struct {
	Contracts []contractRecord `json:"contracts"`
}

// resolveContract finds the first contract whose name contains the
// instrument code (case-insensitive), e.g. "MNQ".
func (c *Client) resolveContract(ctx context.Context, instrument string) (contractRecord, error) {
	var resp contractSearchResponse
	if err := c.post(ctx, "/Contract/search", contractSearchRequest{SearchText: instrument, Live: false}, &resp); err != nil {
		return contractRecord{}, err
	}
	upper := strings.ToUpper(instrument)
	for _, ct := range resp.Contracts {
		if strings.Contains(strings.ToUpper(ct.Name), upper) {
			return ct, nil
		}
	}
	return contractRecord{}, fmt.Errorf("broker: no contract matching %q", instrument)
}

type orderPlaceRequest struct {
	AccountID   string   `json:"accountId"`
	ContractID  string   `json:"contractId"`
	Type        int      `json:"type"`
	Side        int      `json:"side"`
	Size        float64  `json:"size"`
	StopPrice   *float64 `json:"stopPrice,omitempty"`
	LimitPrice  *float64 `json:"limitPrice,omitempty"`
}

type orderPlaceResponse struct {
	OrderID string `json:"orderId"`
}

func (c *Client) placeOrder(ctx context.Context, contractID string, orderType OrderType, side Side, size float64, stopPrice, limitPrice *float64) (string, error) {
	req := orderPlaceRequest{
		AccountID:  c.upstreamAccID,
		ContractID: contractID,
		Type:       int(orderType),
		Side:       c.enumScheme.Value(side),
		Size:       size,
		StopPrice:  stopPrice,
		LimitPrice: limitPrice,
	}
	var resp orderPlaceResponse
	if err := c.post(ctx, "/Order/place", req, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

type orderCancelRequest struct {
	OrderID string `json:"orderId"`
}

func (c *Client) cancelOrder(ctx context.Context, orderID string) error {
	return c.post(ctx, "/Order/cancel", orderCancelRequest{OrderID: orderID}, nil)
}

type positionSearchRequest struct {
	AccountID string `json:"accountId"`
}

// positionRecord accepts any of several upstream key spellings for the net
// size and symbol fields, since gateway implementations disagree.
type positionRecord struct {
	NetPos       *float64 `json:"netPos"`
	Size         *float64 `json:"size"`
	Quantity     *float64 `json:"quantity"`
	ContractName *string  `json:"contractName"`
	Symbol       *string  `json:"symbol"`
	Name         *string  `json:"name"`
	AvgPrice     float64  `json:"avgPrice"`
}

func (p positionRecord) netSize() float64 {
	switch {
	case p.NetPos != nil:
		return *p.NetPos
	case p.Size != nil:
		return *p.Size
	case p.Quantity != nil:
		return *p.Quantity
	default:
		return 0
	}
}

func (p positionRecord) symbol() string {
	switch {
	case p.ContractName != nil:
		return *p.ContractName
	case p.Symbol != nil:
		return *p.Symbol
	case p.Name != nil:
		return *p.Name
	default:
		return ""
	}
}

type positionSearchResponse struct {
	Positions []positionRecord `json:"positions"`
}

type orderSearchRequest struct {
	AccountID string `json:"accountId"`
}

type orderRecord struct {
	OrderID string  `json:"orderId"`
	Symbol  string  `json:"symbol"`
	Side    int     `json:"side"`
	Type    int     `json:"type"`
	Size    float64 `json:"size"`
	Price   float64 `json:"price"`
}

type orderSearchResponse struct {
	Orders []orderRecord `json:"orders"`
}
