package fsm

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateHosting      State = "hosting"
	StateJoining      State = "joining"
	StateRecording    State = "recording"
	StateProcessing   State = "processing"
	StateTranslating  State = "translating"
	StateAwaitingSend State = "awaiting_send"
	StateSending      State = "sending"
	StateSpeaking     State = "speaking"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

const (
	EvStartHost       EventType = "START_HOST"
	EvStartJoin       EventType = "START_JOIN"
	EvJoinSuccess     EventType = "JOIN_SUCCESS"
	EvConnEstablished EventType = "CONNECTION_ESTABLISHED"
	EvStartRecording  EventType = "START_RECORDING"
	EvStopRecording   EventType = "STOP_RECORDING"
	EvAudioReady      EventType = "AUDIO_READY"
	EvTranslationDone EventType = "TRANSLATION_COMPLETE"
	EvSendTranslation EventType = "SEND_TRANSLATION"
	EvSkipSend        EventType = "SKIP_SEND"
	EvSpeechComplete  EventType = "SPEECH_COMPLETE"
	EvError           EventType = "ERROR"
	EvDisconnect      EventType = "DISCONNECT"
	EvReset           EventType = "RESET"
)

// activeStates are the states from which DISCONNECT and ERROR apply.
var activeStates = []State{
	StateConnecting,
	StateConnected,
	StateHosting,
	StateJoining,
	StateRecording,
	StateProcessing,
	StateTranslating,
	StateAwaitingSend,
	StateSending,
	StateSpeaking,
	StateError,
}
