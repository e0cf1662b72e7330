package browser

import (
	"ai-browser-control/internal/entity"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Script results shared by both drivers.
const (
	resultOK          = "ok"
	resultMissing     = "missing"
	resultNotEditable = "not_editable"
)

const readinessScript = `(() => JSON.stringify({
	width: Math.max(window.innerWidth || 0, document.documentElement ? document.documentElement.clientWidth : 0),
	height: Math.max(window.innerHeight || 0, document.documentElement ? document.documentElement.clientHeight : 0),
	readyState: document.readyState
}))()`

// findScript resolves a marker id, or a CSS selector when the id is empty.
const findScript = `const find = (id, selector, attr) => {
	if (id) return document.querySelector('[' + attr + '="' + CSS.escape(id) + '"]');
	try { return document.querySelector(selector); } catch (e) { return null; }
};`

const scrollIntoViewScript = `((id, attr) => {
	` + findScript + `
	const el = find(id, '', attr);
	if (!el) return 'missing';
	el.scrollIntoView({ behavior: 'instant', block: 'center', inline: 'center' });
	return 'ok';
})(%s, %s)`

const clickScript = `((id, attr) => {
	` + findScript + `
	const el = find(id, '', attr);
	if (!el) return 'missing';
	el.scrollIntoView({ behavior: 'instant', block: 'center', inline: 'center' });
	el.click();
	return 'ok';
})(%s, %s)`

// typeScript replaces the element's value through the native setter so framework
// listeners observe it, then dispatches input and change.
const typeScript = `((id, selector, text, attr) => {
	` + findScript + `
	const el = find(id, selector, attr);
	if (!el) return 'missing';
	el.scrollIntoView({ behavior: 'instant', block: 'center', inline: 'center' });
	el.focus();
	const tag = el.tagName.toLowerCase();
	if (tag === 'input' || tag === 'textarea') {
		const proto = tag === 'input' ? HTMLInputElement.prototype : HTMLTextAreaElement.prototype;
		const setter = Object.getOwnPropertyDescriptor(proto, 'value').set;
		setter.call(el, text);
	} else if (el.isContentEditable) {
		el.textContent = text;
	} else {
		return 'not_editable';
	}
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return 'ok';
})(%s, %s, %s, %s)`

const scrollScript = `((dy) => { window.scrollBy(0, dy); return 'ok'; })(%d)`

type readinessReport struct {
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	ReadyState string  `json:"readyState"`
}

func decodeReadiness(raw string, loading bool) (entity.PageReadiness, error) {
	var report readinessReport
	if err := json.UnmarshalFromString(raw, &report); err != nil {
		return entity.PageReadiness{}, fmt.Errorf("decode readiness: %w", err)
	}

	return entity.PageReadiness{
		Width:      report.Width,
		Height:     report.Height,
		Loading:    loading,
		ReadyState: report.ReadyState,
	}, nil
}

// render formats script with each argument encoded as a JS literal.
func render(script string, args ...any) (string, error) {
	literals := make([]any, len(args))

	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return "", err
		}

		literals[i] = string(data)
	}

	return fmt.Sprintf(script, literals...), nil
}

func renderClick(id string) (string, error) {
	return render(clickScript, id, entity.MarkerAttribute)
}

func renderScrollIntoView(id string) (string, error) {
	return render(scrollIntoViewScript, id, entity.MarkerAttribute)
}

func renderType(id, selector, text string) (string, error) {
	return render(typeScript, id, selector, text, entity.MarkerAttribute)
}

func renderScroll(dy int) string {
	return fmt.Sprintf(scrollScript, dy)
}

func markerSelector(id string) string {
	return fmt.Sprintf(`[%s=%q]`, entity.MarkerAttribute, id)
}
