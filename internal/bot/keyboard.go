package bot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ZRnown/dingdanBot/internal/service"
)

const (
	callbackPrefix = "channel:"
	callbackToggle = callbackPrefix + "toggle:"
	callbackAll    = callbackPrefix + "all"
	callbackDone   = callbackPrefix + "done"
)

type Button struct {
	Text string
	Data string
}

// Keyboard is an inline keyboard, one slice per row.
type Keyboard [][]Button

// ChannelKeyboard renders the selection in two columns followed by the
// "all" and "done" rows.
func ChannelKeyboard(view service.ChannelView) Keyboard {
	var kb Keyboard
	var row []Button
	for _, ch := range view.Channels {
		row = append(row, Button{
			Text: mark(ch.Selected) + ch.Name,
			Data: callbackToggle + strconv.FormatInt(ch.ID, 10),
		})
		if len(row) == 2 {
			kb = append(kb, row)
			row = nil
		}
	}
	if len(row) > 0 {
		kb = append(kb, row)
	}
	kb = append(kb,
		[]Button{{Text: mark(view.Filter.IsAll()) + "全部（获取所有第三方）", Data: callbackAll}},
		[]Button{{Text: "✅ 完成设置", Data: callbackDone}},
	)
	return kb
}

func ChannelPrompt(view service.ChannelView) string {
	var b strings.Builder
	b.WriteString("请选择要获取订单的第三方：\n\n")
	if n := view.SelectedCount(); n > 0 {
		fmt.Fprintf(&b, "当前已选择 %d 个第三方\n", n)
	} else {
		b.WriteString("当前设置为：获取全部第三方\n")
	}
	b.WriteString("\n点击第三方名称可以切换选中状态\n点击'完成设置'保存配置")
	return b.String()
}

func mark(on bool) string {
	if on {
		return "✅ "
	}
	return "❌ "
}

type callbackAction int

const (
	actionUnknown callbackAction = iota
	actionToggle
	actionAll
	actionDone
)

func parseCallback(data string) (callbackAction, int64) {
	switch {
	case data == callbackAll:
		return actionAll, 0
	case data == callbackDone:
		return actionDone, 0
	case strings.HasPrefix(data, callbackToggle):
		id, err := strconv.ParseInt(strings.TrimPrefix(data, callbackToggle), 10, 64)
		if err != nil {
			return actionUnknown, 0
		}
		return actionToggle, id
	}
	return actionUnknown, 0
}
