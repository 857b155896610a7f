package wire

// Node command opcodes (§6 "Node commands"), reserved in the low range.
// Grounded 1:1 on original_source/libs/co/localNode.cpp's
// CMD_NODE_* enum.
const (
	CmdAckRequest uint32 = iota + 1
	CmdStopRcv
	CmdStopCmd
	CmdSetAffinityRcv
	CmdSetAffinityCmd
	CmdConnect
	CmdConnectReply
	CmdConnectAck
	CmdID
	CmdDisconnect
	CmdGetNodeData
	CmdGetNodeDataReply
	CmdAcquireSendToken
	CmdAcquireSendTokenReply
	CmdReleaseSendToken
	CmdAddListener
	CmdRemoveListener
	CmdPing
	CmdPingReply
	nodeCmdLimit
)

// Object command opcodes (§6 "Object commands"), reserved starting past
// the node range so a single dispatch table can hold both.
const (
	CmdObjectInstance uint32 = iota + 1000
	CmdObjectDelta
	CmdObjectSlaveDelta
	CmdObjectCommit
	CmdObjectMap
	CmdObjectUnmap
	CmdObjectPush
)
