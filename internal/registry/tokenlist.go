package registry

import (
	"context"
	"net/http"
	"slices"

	"github.com/carlmjohnson/requests"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

type TokenListEntry struct {
	ChainId  int64    `json:"chainId"`
	Address  string   `json:"address"`
	Symbol   string   `json:"symbol"`
	Name     string   `json:"name"`
	Decimals uint8    `json:"decimals"`
	LogoURI  string   `json:"logoURI"`
	Tags     []string `json:"tags"`
}

type TokenList struct {
	Name   string           `json:"name"`
	Tokens []TokenListEntry `json:"tokens"`
}

func FetchTokenList(ctx context.Context, httpClient *http.Client, url string) (*TokenList, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var list TokenList
	err := requests.URL(url).
		Client(httpClient).
		ToJSON(&list).
		Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return &list, nil
}

// ForChain 取出指定链上的有效条目
func (l *TokenList) ForChain(chainId int64) []Token {
	entries := lo.Filter(l.Tokens, func(e TokenListEntry, _ int) bool {
		return e.ChainId == chainId && common.IsHexAddress(e.Address) && e.Symbol != ""
	})

	return lo.Map(entries, func(e TokenListEntry, _ int) Token {
		return Token{
			ChainId:  e.ChainId,
			Address:  common.HexToAddress(e.Address),
			Symbol:   e.Symbol,
			Name:     e.Name,
			Decimals: e.Decimals,
			Priority: DefaultPriority,
			IsStable: slices.Contains(e.Tags, "stablecoin"),
			Tags:     e.Tags,
		}
	})
}
