package krpano

import "strings"

// milestone はツール出力に含まれるキーワードと進捗率の対応です。
type milestone struct {
	keyword string
	percent int
}

// milestones は上から順に照合し、最初に一致したものを採用します。
// 出力順によっては進捗が戻ることがあります（単調増加は保証しません）。
var milestones = []milestone{
	{keyword: "loading", percent: 50},
	{keyword: "making", percent: 60},
	{keyword: "level", percent: 80},
}

// Milestone は出力行に対応する進捗率を返します。該当しない行は ok=false です。
func Milestone(line string) (percent int, ok bool) {
	for _, m := range milestones {
		if strings.Contains(line, m.keyword) {
			return m.percent, true
		}
	}
	return 0, false
}
