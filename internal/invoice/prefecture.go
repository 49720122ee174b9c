package invoice

import "strings"

// prefectures lists JIS X 0401 codes in order; index+1 is the code.
var prefectures = [...]string{
	"北海道", "青森県", "岩手県", "宮城県", "秋田県", "山形県", "福島県",
	"茨城県", "栃木県", "群馬県", "埼玉県", "千葉県", "東京都", "神奈川県",
	"新潟県", "富山県", "石川県", "福井県", "山梨県", "長野県", "岐阜県",
	"静岡県", "愛知県", "三重県", "滋賀県", "京都府", "大阪府", "兵庫県",
	"奈良県", "和歌山県", "鳥取県", "島根県", "岡山県", "広島県", "山口県",
	"徳島県", "香川県", "愛媛県", "高知県", "福岡県", "佐賀県", "長崎県",
	"熊本県", "大分県", "宮崎県", "鹿児島県", "沖縄県",
}

// PrefectureCode resolves a prefecture filter to its two-digit code. It
// accepts a code ("13", "1"), a full name ("東京都") or a name without the
// 都/道/府/県 suffix ("東京"). ok is false when nothing matches.
func PrefectureCode(s string) (code string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if n, isNum := atoiSmall(s); isNum {
		if n >= 1 && n <= len(prefectures) {
			return twoDigits(n), true
		}
		return "", false
	}
	for i, name := range prefectures {
		// Every suffix rune is three bytes in UTF-8.
		if s == name || (name != "北海道" && s == name[:len(name)-3]) {
			return twoDigits(i + 1), true
		}
	}
	return "", false
}

// PrefectureName returns the name for a two-digit code, or "" if unknown.
func PrefectureName(code string) string {
	n, ok := atoiSmall(code)
	if !ok || n < 1 || n > len(prefectures) {
		return ""
	}
	return prefectures[n-1]
}

func atoiSmall(s string) (int, bool) {
	if len(s) == 0 || len(s) > 2 {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, true
}

func twoDigits(n int) string {
	return string([]byte{byte('0' + n/10), byte('0' + n%10)})
}
