package registry

import (
	"fmt"
	"strings"
)

// AssetIdentityKey 跨链识别同一资产, 优先使用 canonical 资产
func AssetIdentityKey(t Token) string {
	if t.Canonical != nil {
		return fmt.Sprintf("%d:%s", t.Canonical.ChainId, strings.ToLower(t.Canonical.Address.Hex()))
	}
	return fmt.Sprintf("%d:%s", t.ChainId, strings.ToLower(t.Address.Hex()))
}

func IsSameAsset(a, b *Token) bool {
	if a == nil || b == nil {
		return false
	}
	return AssetIdentityKey(*a) == AssetIdentityKey(*b)
}

// PoolIdentityKey 与代币顺序无关
func PoolIdentityKey(a, b Token) string {
	ka, kb := AssetIdentityKey(a), AssetIdentityKey(b)
	if kb < ka {
		ka, kb = kb, ka
	}
	return ka + "|" + kb
}
