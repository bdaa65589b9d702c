package server

import (
	"fmt"
	"net/http"
)

// TestPageHandler serves a small HTML client for trying the broker from a
// browser: it edits one shared document, shows who is present and offers
// the document's chat.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>collabedit WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        textarea { width: 100%; height: 240px; font-family: monospace; }
        #chat {
            border: 1px solid #ccc;
            height: 200px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 240px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        .system { color: gray; font-style: italic; }
    </style>
</head>
<body>
    <h1>collabedit WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="docInput" placeholder="Document id (empty creates one)">
        <input type="text" id="nameInput" placeholder="Your name">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>

    <p>Users: <span id="users"></span></p>
    <textarea id="editor" disabled></textarea>

    <div id="chat"></div>
    <div>
        <input type="text" id="chatInput" placeholder="Say something..." disabled>
        <button id="sendButton" onclick="sendChat()" disabled>Send</button>
    </div>

    <script>
        let ws = null;
        let docId = '';
        let username = '';
        const userId = 'web-' + Math.random().toString(36).slice(2, 10);
        const editor = document.getElementById('editor');
        const chatDiv = document.getElementById('chat');
        const chatInput = document.getElementById('chatInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');
        const usersSpan = document.getElementById('users');

        function addChat(msg) {
            const el = document.createElement('div');
            if (msg.messageType === 'CHAT') {
                el.textContent = msg.username + ': ' + msg.content + (msg.edited ? ' (edited)' : '');
            } else {
                el.className = 'system';
                el.textContent = msg.content;
            }
            chatDiv.appendChild(el);
            chatDiv.scrollTop = chatDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected to ' + docId : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            editor.disabled = !connected;
            chatInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        async function connect() {
            docId = document.getElementById('docInput').value.trim();
            username = document.getElementById('nameInput').value.trim() || userId;
            if (docId === '') {
                const res = await fetch('/documents', { method: 'POST' });
                const doc = await res.json();
                docId = doc.id;
                document.getElementById('docInput').value = docId;
            } else {
                const res = await fetch('/documents/' + encodeURIComponent(docId));
                if (res.ok) {
                    editor.value = (await res.json()).content;
                }
            }

            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                updateStatus(true);
                ws.send(JSON.stringify({ type: 'user_update', documentId: docId, username: username, action: 'join' }));
            };

            ws.onmessage = function(event) {
                const msg = JSON.parse(event.data);
                if (msg.type === 'user_update') {
                    usersSpan.textContent = msg.users.join(', ');
                } else if (msg.type === 'chat_history') {
                    chatDiv.innerHTML = '';
                    msg.messages.forEach(addChat);
                } else if (msg.type === 'chat' || msg.type === 'chat_edit') {
                    addChat(msg.message);
                } else if (msg.content !== undefined) {
                    editor.value = msg.content;
                }
            };

            ws.onclose = function() {
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'user_update', documentId: docId, username: username, action: 'leave' }));
                ws.close();
            } else {
                connect();
            }
        }

        editor.addEventListener('input', function() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ documentId: docId, content: editor.value, editor: username }));
            }
        });

        function sendChat() {
            const text = chatInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'chat', documentId: docId, userId: userId, username: username, content: text }));
                chatInput.value = '';
            }
        }

        chatInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendChat();
            }
        });
    </script>
</body>
</html>`
