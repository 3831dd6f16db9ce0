package utils

import (
	"fmt"
	"strings"
)

func explorerLink(baseUrl, kind, value string) string {
	if baseUrl == "" || value == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(baseUrl, "/"), kind, value)
}

func GetExplorerTxLink(baseUrl, hash string) string {
	return explorerLink(baseUrl, "tx", hash)
}

func GetExplorerTokenLink(baseUrl, token string) string {
	return explorerLink(baseUrl, "token", token)
}

func GetExplorerAddressLink(baseUrl, account string) string {
	return explorerLink(baseUrl, "address", account)
}

func ShortAddress(account string) string {
	if len(account) <= 10 {
		return account
	}
	return account[:6] + "..." + account[len(account)-4:]
}
