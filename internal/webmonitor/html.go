package webmonitor

const controlHTML = `<!doctype html>
<html>
<head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Zone Relay Control</title>
    <style>
        body { font-family: system-ui, sans-serif; margin: 20px; background: #f4f5f7; color: #1d1f23; }
        .container { max-width: 1200px; margin: 0 auto; }
        .controls { margin: 20px 0; display: flex; gap: 8px; flex-wrap: wrap; }
        button { padding: 10px 20px; cursor: pointer; border-radius: 5px; border: 1px solid #c7cbd1; background: white; }
        .btn-primary { background: #0b66d6; color: white; border: none; }
        .btn-danger { background: #c62828; color: white; border: none; }
        .status { margin: 10px 0; padding: 10px; background: white; border-radius: 5px; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: white; border-radius: 6px; padding: 14px; }
        .relay-controls { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 10px; margin: 20px 0; }
        .relay-card { padding: 14px; border: 1px solid #dde0e4; border-radius: 5px; background: white; }
        .badge { display: inline-block; padding: 2px 8px; border-radius: 10px; font-size: 12px; }
        .badge.ACTIVE { background: #2e7d32; color: white; }
        .badge.INACTIVE { background: #9e9e9e; color: white; }
        pre { background: #f1f3f4; padding: 10px; border-radius: 5px; overflow: auto; max-height: 360px; }
        #events { font-family: monospace; font-size: 12px; max-height: 240px; overflow: auto; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Zone Relay Control</h1>
        <p id="summary">Loading system status...</p>

        <div class="controls">
            <button id="detectBtn" class="btn-primary">Start Detection</button>
            <button id="emergencyBtn" class="btn-danger">Emergency Stop</button>
            <button id="previewBtn">Show Preview</button>
        </div>

        <div id="status" class="status">Idle.</div>

        <div class="grid">
            <div class="panel">
                <h3>Live Camera Feed</h3>
                <img id="preview" alt="Camera preview with zone grid" width="640" height="480" style="display:none;border:1px solid #dde0e4;max-width:100%;"/>
                <pre id="result" style="display:none;"></pre>
            </div>
            <div class="panel">
                <h3>Events</h3>
                <div id="events"></div>
            </div>
        </div>

        <div class="relay-controls" id="relays"></div>
    </div>

    <script>
        const api = '/api/smart-detection';
        const statusEl = document.getElementById('status');
        const resultEl = document.getElementById('result');
        const previewEl = document.getElementById('preview');
        const relaysEl = document.getElementById('relays');
        const eventsEl = document.getElementById('events');

        async function call(method, path) {
            const res = await fetch(api + path, {method});
            const data = await res.json();
            if (!res.ok) {
                throw new Error(data.error || res.statusText);
            }
            return data;
        }

        async function refreshSummary() {
            try {
                const s = await call('GET', '/status');
                document.getElementById('summary').innerText =
                    'Grid ' + s.grid[0] + 'x' + s.grid[1] + ' | ' + s.hardware_status +
                    ' | camera ' + (s.camera_available ? 'ready' : 'not opened') +
                    ' | model ' + (s.ai_model_loaded ? 'loaded' : 'not loaded') +
                    ' | ' + s.state + ' | policy ' + s.policy;
            } catch (err) {
                document.getElementById('summary').innerText = 'Status unavailable: ' + err.message;
            }
        }

        function renderRelays(relays) {
            relaysEl.innerHTML = '';
            for (const r of relays) {
                const card = document.createElement('div');
                card.className = 'relay-card';
                const title = document.createElement('h4');
                title.innerText = 'Pin ' + r.pin + ' ';
                const badge = document.createElement('span');
                badge.className = 'badge ' + r.status;
                badge.innerText = r.status;
                title.appendChild(badge);
                const list = document.createElement('p');
                list.innerText = (r.appliances || []).join(', ') || 'No appliances listed';
                const on = document.createElement('button');
                on.className = 'btn-primary';
                on.innerText = 'Turn ON';
                on.onclick = () => controlRelay(r.pin, 'on');
                const off = document.createElement('button');
                off.innerText = 'Turn OFF';
                off.onclick = () => controlRelay(r.pin, 'off');
                card.append(title, list, on, off);
                relaysEl.appendChild(card);
            }
        }

        async function refreshRelays() {
            try {
                const data = await call('GET', '/relay-status');
                renderRelays(data.relays);
            } catch (err) {
                statusEl.innerText = 'Relay status unavailable: ' + err.message;
            }
        }

        async function controlRelay(pin, action) {
            try {
                const data = await call('POST', '/manual-control/' + pin + '/' + action);
                statusEl.innerText = data.message;
            } catch (err) {
                statusEl.innerText = 'Error: ' + err.message;
            }
            refreshRelays();
        }

        document.getElementById('detectBtn').onclick = async () => {
            statusEl.innerText = 'Running detection...';
            resultEl.style.display = 'none';
            try {
                const data = await call('POST', '/detect');
                resultEl.innerText = JSON.stringify(data, null, 2);
                resultEl.style.display = 'block';
                statusEl.innerText = 'Detection complete.';
            } catch (err) {
                statusEl.innerText = 'Error: ' + err.message;
            }
            refreshRelays();
            refreshSummary();
        };

        document.getElementById('emergencyBtn').onclick = async () => {
            try {
                const data = await call('POST', '/emergency-stop');
                statusEl.innerText = data.message;
            } catch (err) {
                statusEl.innerText = 'Error: ' + err.message;
            }
            refreshRelays();
        };

        document.getElementById('previewBtn').onclick = () => {
            if (previewEl.style.display === 'none') {
                previewEl.src = api + '/preview?t=' + Date.now();
                previewEl.style.display = 'block';
            } else {
                previewEl.src = '';
                previewEl.style.display = 'none';
            }
        };

        const source = new EventSource(api + '/events');
        source.onmessage = (msg) => {
            const ev = JSON.parse(msg.data);
            const line = document.createElement('div');
            const when = new Date(ev.timestamp * 1000).toLocaleTimeString();
            if (ev.kind === 'session' && ev.session) {
                line.innerText = when + ' session ' + ev.session.session_id.slice(0, 8) +
                    ' zones=' + JSON.stringify(ev.session.occupied_zones) +
                    ' rate=' + ev.session.detection_rate.toFixed(1) + '%';
            } else if (ev.error) {
                line.innerText = when + ' ' + ev.kind + ' failed: ' + ev.error;
            } else {
                line.innerText = when + ' ' + ev.kind;
            }
            eventsEl.prepend(line);
            refreshRelays();
        };

        refreshSummary();
        refreshRelays();
        setInterval(refreshSummary, 5000);
    </script>
</body>
</html>
`
