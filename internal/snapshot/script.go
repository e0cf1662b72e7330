package snapshot

import (
	"ai-browser-control/internal/entity"
	"fmt"
)

// extractScript enumerates interactive elements in document order, stamps missing
// markers and returns the snapshot as a JSON string. Arguments: selector, marker attribute.
const extractScript = `((selector, attr) => {
	const vw = window.innerWidth || document.documentElement.clientWidth || 1;
	const vh = window.innerHeight || document.documentElement.clientHeight || 1;
	const clamp = (v) => Math.min(1, Math.max(0, v));
	const clean = (v) => String(v == null ? '' : v).replace(/\s+/g, ' ').trim();

	const isVisible = (el) => {
		const r = el.getBoundingClientRect();
		if (r.width <= 0 || r.height <= 0) return false;
		const st = window.getComputedStyle(el);
		if (st.display === 'none' || st.visibility === 'hidden' || st.visibility === 'collapse') return false;
		if (parseFloat(st.opacity || '1') <= 0.05) return false;
		return r.bottom > 0 && r.right > 0 && r.top < vh && r.left < vw;
	};

	const isInteractable = (el) => {
		if (el.disabled) return false;
		if (clean(el.getAttribute('aria-disabled')).toLowerCase() === 'true') return false;
		const tag = el.tagName.toLowerCase();
		if (tag === 'input') {
			const type = clean(el.getAttribute('type') || 'text').toLowerCase();
			if (type === 'hidden' || type === 'password') return false;
		}
		const editable = el.getAttribute('contenteditable');
		if (editable !== null && editable.toLowerCase() === 'false') return false;
		return true;
	};

	const owners = new Map();
	let max = 0;
	document.querySelectorAll('[' + attr + ']').forEach((el) => {
		const v = el.getAttribute(attr) || '';
		const m = /^e(\d+)$/.exec(v);
		if (!m || owners.has(v)) {
			el.removeAttribute(attr);
			return;
		}
		owners.set(v, el);
		max = Math.max(max, parseInt(m[1], 10));
	});

	let next = max + 1;
	const assign = (el) => {
		const existing = el.getAttribute(attr);
		if (existing) return existing;
		while (owners.has('e' + next)) next++;
		const id = 'e' + next++;
		el.setAttribute(attr, id);
		owners.set(id, el);
		return id;
	};

	const roleOf = (el) => {
		const explicit = clean(el.getAttribute('role')).toLowerCase();
		if (explicit) return explicit;
		const tag = el.tagName.toLowerCase();
		if (el.isContentEditable || tag === 'textarea') return 'textbox';
		if (tag === 'input') {
			const type = clean(el.getAttribute('type') || 'text').toLowerCase();
			if (['text', 'search', 'email', 'url', 'tel', 'number'].includes(type)) return 'textbox';
			if (['button', 'submit', 'reset', 'image'].includes(type)) return 'button';
			if (type === 'checkbox' || type === 'radio') return type;
			return 'input';
		}
		if (tag === 'a') return 'link';
		if (tag === 'button') return 'button';
		return 'other';
	};

	const byIds = (ids) => clean(ids).split(' ').filter(Boolean)
		.map((id) => { const t = document.getElementById(id); return t ? t.textContent : ''; })
		.join(' ');

	const labelText = (el) => {
		if (el.labels && el.labels.length) return Array.from(el.labels).map((l) => l.textContent).join(' ');
		if (el.id) {
			const l = document.querySelector('label[for="' + CSS.escape(el.id) + '"]');
			if (l) return l.textContent;
		}
		const parent = el.closest('label');
		return parent ? parent.textContent : '';
	};

	const labelOf = (el) => {
		const candidates = [
			() => el.getAttribute('aria-label'),
			() => byIds(el.getAttribute('aria-labelledby')),
			() => labelText(el),
			() => el.getAttribute('placeholder'),
			() => el.getAttribute('name'),
			() => el.innerText,
			() => el.value,
			() => el.getAttribute('title'),
			() => el.getAttribute('alt'),
			() => el.getAttribute('href'),
		];
		for (const candidate of candidates) {
			const v = clean(candidate());
			if (v) return v;
		}
		return '';
	};

	const clickables = Array.from(document.querySelectorAll(selector))
		.filter((el) => isVisible(el) && isInteractable(el))
		.map((el) => {
			const r = el.getBoundingClientRect();
			const tag = el.tagName.toLowerCase();
			const item = {
				id: assign(el),
				role: roleOf(el),
				label: labelOf(el),
				rect: { x: clamp(r.left / vw), y: clamp(r.top / vh), w: clamp(r.width / vw), h: clamp(r.height / vh) },
				tag: tag,
				disabled: !!el.disabled,
			};
			if (tag === 'a' && el.href) item.href = String(el.href);
			return item;
		});

	return JSON.stringify({ url: location.href, title: document.title, clickables: clickables });
})(%s, %s)`

// Script renders the extraction expression for selector.
func Script(selector string) (string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", err
	}

	attr, err := json.Marshal(entity.MarkerAttribute)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(extractScript, sel, attr), nil
}
