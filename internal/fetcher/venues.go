package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

type venue interface {
	defaultBaseURL() string
	newRequest(ctx context.Context, baseURL, asset, fiat string, side Side) (*http.Request, error)
	parsePrices(payload []byte, side Side) ([]decimal.Decimal, error)
}

var venues = map[string]venue{
	"binance": binanceVenue{},
	"bybit":   bybitVenue{},
	"okx":     okxVenue{},
}

// binanceVenue reads the Binance P2P advert search.
type binanceVenue struct{}

func (binanceVenue) defaultBaseURL() string { return "https://p2p.binance.com" }

func (binanceVenue) newRequest(ctx context.Context, baseURL, asset, fiat string, side Side) (*http.Request, error) {
	// tradeType is from the taker's point of view: BUY lists sellers' adverts.
	tradeType := "BUY"
	if side == SideBid {
		tradeType = "SELL"
	}
	body, err := json.Marshal(map[string]any{
		"asset":         asset,
		"fiat":          fiat,
		"tradeType":     tradeType,
		"page":          1,
		"rows":          10,
		"payTypes":      []string{},
		"publisherType": nil,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/bapi/c2c/v2/friendly/c2c/adv/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (binanceVenue) parsePrices(payload []byte, _ Side) ([]decimal.Decimal, error) {
	var res struct {
		Code    string `json:"code"`
		Success bool   `json:"success"`
		Data    []struct {
			Adv struct {
				Price string `json:"price"`
			} `json:"adv"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	if !res.Success && res.Code != "000000" {
		return nil, fmt.Errorf("binance code %q", res.Code)
	}
	prices := make([]decimal.Decimal, 0, len(res.Data))
	for _, item := range res.Data {
		price, err := decimal.NewFromString(item.Adv.Price)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		prices = append(prices, price)
	}
	return prices, nil
}

// bybitVenue reads the Bybit fiat OTC advert listing.
type bybitVenue struct{}

func (bybitVenue) defaultBaseURL() string { return "https://api2.bybit.com" }

func (bybitVenue) newRequest(ctx context.Context, baseURL, asset, fiat string, side Side) (*http.Request, error) {
	// side "1" lists adverts the taker buys from.
	sideCode := "1"
	if side == SideBid {
		sideCode = "0"
	}
	body, err := json.Marshal(map[string]string{
		"tokenId":    asset,
		"currencyId": fiat,
		"side":       sideCode,
		"size":       "10",
		"page":       "1",
		"amount":     "",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/fiat/otc/item/online", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (bybitVenue) parsePrices(payload []byte, _ Side) ([]decimal.Decimal, error) {
	var res struct {
		RetCode int    `json:"ret_code"`
		RetMsg  string `json:"ret_msg"`
		Result  *struct {
			Items []struct {
				Price string `json:"price"`
			} `json:"items"`
		} `json:"result"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	if res.RetCode != 0 {
		return nil, fmt.Errorf("bybit ret_code %d: %s", res.RetCode, res.RetMsg)
	}
	if res.Result == nil {
		return nil, errors.New("bybit result missing")
	}
	prices := make([]decimal.Decimal, 0, len(res.Result.Items))
	for _, item := range res.Result.Items {
		price, err := decimal.NewFromString(item.Price)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		prices = append(prices, price)
	}
	return prices, nil
}

// okxVenue reads the OKX C2C order book.
type okxVenue struct{}

func (okxVenue) defaultBaseURL() string { return "https://www.okx.com" }

func (okxVenue) newRequest(ctx context.Context, baseURL, asset, fiat string, side Side) (*http.Request, error) {
	q := url.Values{}
	q.Set("quoteCurrency", fiat)
	q.Set("baseCurrency", asset)
	q.Set("side", okxSide(side))
	q.Set("paymentMethod", "all")
	q.Set("userType", "all")
	return http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v3/c2c/tradingOrders/books?"+q.Encode(), nil)
}

func (okxVenue) parsePrices(payload []byte, side Side) ([]decimal.Decimal, error) {
	var res struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data map[string][]struct {
			Price string `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	if res.Code != 0 {
		return nil, fmt.Errorf("okx code %d: %s", res.Code, res.Msg)
	}
	orders := res.Data[okxSide(side)]
	prices := make([]decimal.Decimal, 0, len(orders))
	for _, order := range orders {
		price, err := decimal.NewFromString(order.Price)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		prices = append(prices, price)
	}
	return prices, nil
}

// okxSide maps to the maker side: merchants selling USDT make the ask.
func okxSide(side Side) string {
	if side == SideAsk {
		return "sell"
	}
	return "buy"
}
