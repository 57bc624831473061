package conflict

import (
	"reflect"
	"sort"
)

// mergeFields combines two edited objects against their common ancestor.
// A field changed on one side only takes that side; a field changed on both
// sides to different values collides and takes the last-write-wins side.
func mergeFields(local, server, base map[string]interface{}, localWins bool) (map[string]interface{}, []string) {
	merged := make(map[string]interface{})
	var colliding []string

	for _, k := range unionKeys(local, server, base) {
		lv, lHas := local[k]
		sv, sHas := server[k]
		bv, bHas := base[k]

		localChanged := !sameValue(lv, lHas, bv, bHas)
		serverChanged := !sameValue(sv, sHas, bv, bHas)

		var v interface{}
		var has bool
		switch {
		case !localChanged && !serverChanged:
			v, has = bv, bHas
		case localChanged && !serverChanged:
			v, has = lv, lHas
		case !localChanged && serverChanged:
			v, has = sv, sHas
		case sameValue(lv, lHas, sv, sHas):
			v, has = lv, lHas
		default:
			colliding = append(colliding, k)
			if localWins {
				v, has = lv, lHas
			} else {
				v, has = sv, sHas
			}
		}
		if has {
			merged[k] = v
		}
	}
	return merged, colliding
}

func sameValue(a interface{}, aHas bool, b interface{}, bHas bool) bool {
	if aHas != bHas {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func unionKeys(maps ...map[string]interface{}) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
