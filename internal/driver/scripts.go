package driver

// captureJS installs window.__meetbot, the in-page half of audio capture.
// It is evaluated once per document with the list of global stream names.
const captureJS = `(globals) => {
	if (window.__meetbot) return;
	const live = (s) => !!s && typeof s.getAudioTracks === 'function' &&
		s.getAudioTracks().some((t) => t.readyState === 'live');
	const finders = {
		video: () => {
			for (const v of document.querySelectorAll('video')) {
				if (live(v.srcObject)) return v.srcObject;
			}
			return null;
		},
		audio: () => {
			for (const a of document.querySelectorAll('audio')) {
				if (a.srcObject && !a.muted && a.readyState >= 2 && live(a.srcObject)) return a.srcObject;
			}
			return null;
		},
		global_handle: () => {
			for (const name of globals) {
				if (live(window[name])) return window[name];
			}
			return null;
		},
		screen_capture: async () => {
			if (!navigator.mediaDevices || !navigator.mediaDevices.getDisplayMedia) return null;
			try {
				const s = await navigator.mediaDevices.getDisplayMedia({ audio: true, video: true });
				return live(s) ? s : null;
			} catch (e) {
				return null;
			}
		},
		synthetic: () => {
			const ctx = new (window.AudioContext || window.webkitAudioContext)();
			const osc = ctx.createOscillator();
			const gain = ctx.createGain();
			const dest = ctx.createMediaStreamDestination();
			osc.frequency.value = 1000;
			gain.gain.value = 0.0001;
			osc.connect(gain);
			gain.connect(dest);
			osc.start();
			return dest.stream;
		},
	};
	const state = { found: {}, recorder: null, chunks: [], seq: 0, pending: 0 };
	const push = (blob) => {
		const seq = state.seq++;
		const at = Date.now();
		state.pending++;
		const reader = new FileReader();
		reader.onloadend = () => {
			state.pending--;
			const url = typeof reader.result === 'string' ? reader.result : '';
			state.chunks.push({ seq, at, data: url.slice(url.indexOf(',') + 1) });
		};
		reader.readAsDataURL(blob);
	};
	const settle = () => new Promise((resolve) => {
		const tick = () => (state.pending === 0 ? resolve() : setTimeout(tick, 50));
		tick();
	});
	const take = () => {
		const out = state.chunks;
		state.chunks = [];
		return out;
	};
	window.__meetbot = {
		probe: async (source) => {
			const find = finders[source];
			if (!find) return false;
			const stream = await find();
			if (stream) state.found[source] = stream;
			return !!stream;
		},
		start: async (source) => {
			const stream = state.found[source] || (await finders[source]());
			if (!stream) throw new Error('no stream for ' + source);
			const tracks = new MediaStream(stream.getAudioTracks());
			const mime = MediaRecorder.isTypeSupported('audio/webm;codecs=opus') ? 'audio/webm;codecs=opus' : 'audio/webm';
			const recorder = new MediaRecorder(tracks, { mimeType: mime });
			recorder.ondataavailable = (e) => {
				if (e.data && e.data.size > 0) push(e.data);
			};
			recorder.start(1000);
			state.recorder = recorder;
			return mime;
		},
		drain: async () => take(),
		stop: async () => {
			const recorder = state.recorder;
			state.recorder = null;
			if (recorder && recorder.state !== 'inactive') {
				await new Promise((resolve) => {
					recorder.onstop = resolve;
					recorder.stop();
				});
			}
			await settle();
			return take();
		},
	};
}`

const probeJS = `(source) => window.__meetbot ? window.__meetbot.probe(source) : false`

const startJS = `(source) => window.__meetbot.start(source)`

const drainJS = `() => window.__meetbot ? window.__meetbot.drain() : []`

const stopJS = `() => window.__meetbot ? window.__meetbot.stop() : []`

// uiStateJS counts meeting controls and looks for end markers.
const uiStateJS = `(sel) => {
	const body = ((document.body && document.body.textContent) || '').toLowerCase();
	const url = window.location.href;
	const any = (list) => (list || []).some((s) => {
		try {
			return document.querySelectorAll(s).length > 0;
		} catch (e) {
			return false;
		}
	});
	let controls = 0;
	for (const s of sel.controls || []) {
		if (any([s])) controls++;
	}
	return {
		inMeeting: any(sel.inMeeting),
		endedBanner: (sel.endedTexts || []).some((t) => body.includes(t)),
		onEndedPage: (sel.endedUrls || []).some((u) => url.includes(u)) ||
			(sel.leftTexts || []).some((t) => body.includes(t)),
		activeControls: controls,
		url: url,
		title: document.title,
	};
}`

// announceJS speaks the message and posts it to the meeting chat.
const announceJS = `(message, sel) => {
	const sent = [];
	try {
		if (typeof speechSynthesis !== 'undefined' && speechSynthesis.speak) {
			const utterance = new SpeechSynthesisUtterance(message);
			utterance.rate = 0.8;
			utterance.lang = 'en-US';
			speechSynthesis.speak(utterance);
			sent.push('speech');
		}
	} catch (e) {}
	try {
		const first = (list) => {
			for (const s of list || []) {
				const el = document.querySelector(s);
				if (el) return el;
			}
			return null;
		};
		const input = first(sel.chatInputs);
		if (input) {
			input.focus();
			input.value = message;
			input.dispatchEvent(new Event('input', { bubbles: true }));
			const send = first(sel.chatSend);
			if (send) {
				send.click();
				sent.push('chat');
			}
		}
	} catch (e) {}
	return sent;
}`
