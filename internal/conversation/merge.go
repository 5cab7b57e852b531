// Package conversation 把历史推送、REST 预加载与实时消息合并为每个会话的有序时间线。
package conversation

import (
	"slices"

	"pointchat/internal/models"
)

// Merge 以消息 ID 去重，后出现的来源覆盖先出现的来源（实时数据至少和历史一样新），
// 结果按 CreatedAt 升序，时间相同时保持首次插入的顺序。对相同输入结果完全一致。
func Merge(sources ...[]models.Message) []models.Message {
	n := 0
	for _, src := range sources {
		n += len(src)
	}
	out := make([]models.Message, 0, n)
	pos := make(map[uint]int, n)
	for _, src := range sources {
		for _, m := range src {
			if i, ok := pos[m.ID]; ok {
				out[i] = m
				continue
			}
			pos[m.ID] = len(out)
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Tag 按观察者身份标记 IsMine，返回新切片，不修改入参。
func Tag(msgs []models.Message, viewerID uint) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		m.IsMine = m.SenderID == viewerID
		out[i] = m
	}
	return out
}
