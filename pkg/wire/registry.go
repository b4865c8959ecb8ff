package wire

import "fmt"

// The three registries are populated during startup, before the server
// starts its workers, and frozen afterwards. They are never mutated while
// packets are being parsed.

type messageInfo struct {
	fromClient bool
	toClient   bool
}

var (
	frozen          bool
	messageRegistry = map[MessageType]messageInfo{}
	optionRegistry  = map[OptionCode]func() Option{}
	duidRegistry    = map[uint16]func() duidDecoder{}
)

// Freeze forbids further registrations. The server calls this once the
// configuration is loaded and before any worker runs.
func Freeze() {
	frozen = true
}

func mustRegister(what fmt.Stringer) {
	if frozen {
		panic(fmt.Sprintf("wire: registration of %s after Freeze", what))
	}
}

// RegisterMessageType registers a client-server message type and its
// permitted directions.
func RegisterMessageType(mt MessageType, fromClient, toClient bool) {
	mustRegister(mt)
	messageRegistry[mt] = messageInfo{fromClient: fromClient, toClient: toClient}
}

// RegisterOption registers a constructor for an option code.
func RegisterOption(code OptionCode, ctor func() Option) {
	mustRegister(code)
	optionRegistry[code] = ctor
}

// RegisterDUIDType registers a constructor for a DUID type code.
func RegisterDUIDType(duidType uint16, ctor func() duidDecoder) {
	if frozen {
		panic(fmt.Sprintf("wire: registration of DUID type %d after Freeze", duidType))
	}
	duidRegistry[duidType] = ctor
}

// Occurrence is the permitted number of occurrences of a child option
// within its container.
type Occurrence struct {
	Min int
	Max int // 0 means unbounded
}

// Containment rules form a table, not an object graph: parent message type
// or parent option code mapped to permitted child codes. The codec records
// occurrences during parsing but only the explicit Validate pass enforces
// them.
var (
	messageContainment = map[MessageType]map[OptionCode]Occurrence{}
	optionContainment  = map[OptionCode]map[OptionCode]Occurrence{}
)

// RegisterMessageOption declares that a message type may contain an option.
func RegisterMessageOption(mt MessageType, code OptionCode, occ Occurrence) {
	mustRegister(mt)
	m, ok := messageContainment[mt]
	if !ok {
		m = map[OptionCode]Occurrence{}
		messageContainment[mt] = m
	}
	m[code] = occ
}

// RegisterSubOption declares that a container option may contain a child
// option.
func RegisterSubOption(parent, code OptionCode, occ Occurrence) {
	mustRegister(parent)
	m, ok := optionContainment[parent]
	if !ok {
		m = map[OptionCode]Occurrence{}
		optionContainment[parent] = m
	}
	m[code] = occ
}

func init() {
	registerMessages()
	registerDUIDs()
	registerOptions()
	registerContainment()
}

func registerMessages() {
	RegisterMessageType(MessageTypeSolicit, true, false)
	RegisterMessageType(MessageTypeAdvertise, false, true)
	RegisterMessageType(MessageTypeRequest, true, false)
	RegisterMessageType(MessageTypeConfirm, true, false)
	RegisterMessageType(MessageTypeRenew, true, false)
	RegisterMessageType(MessageTypeRebind, true, false)
	RegisterMessageType(MessageTypeReply, false, true)
	RegisterMessageType(MessageTypeRelease, true, false)
	RegisterMessageType(MessageTypeDecline, true, false)
	RegisterMessageType(MessageTypeReconfigure, false, true)
	RegisterMessageType(MessageTypeInformationRequest, true, false)
	RegisterMessageType(MessageTypeLeaseQuery, true, false)
	RegisterMessageType(MessageTypeLeaseQueryReply, false, true)
	RegisterMessageType(MessageTypeLeaseQueryDone, false, true)
	RegisterMessageType(MessageTypeLeaseQueryData, false, true)
}

func registerDUIDs() {
	RegisterDUIDType(DUIDTypeLinkLayerTime, func() duidDecoder { return &LinkLayerTimeDUID{} })
	RegisterDUIDType(DUIDTypeEnterprise, func() duidDecoder { return &EnterpriseDUID{} })
	RegisterDUIDType(DUIDTypeLinkLayer, func() duidDecoder { return &LinkLayerDUID{} })
	RegisterDUIDType(DUIDTypeUUID, func() duidDecoder { return &UUIDDUID{} })
}

func registerOptions() {
	RegisterOption(OptionCodeClientID, func() Option { return &ClientIDOption{} })
	RegisterOption(OptionCodeServerID, func() Option { return &ServerIDOption{} })
	RegisterOption(OptionCodeIANA, func() Option { return &IANAOption{} })
	RegisterOption(OptionCodeIATA, func() Option { return &IATAOption{} })
	RegisterOption(OptionCodeIAAddress, func() Option { return &IAAddressOption{} })
	RegisterOption(OptionCodeORO, func() Option { return &OptionRequestOption{} })
	RegisterOption(OptionCodePreference, func() Option { return &PreferenceOption{} })
	RegisterOption(OptionCodeElapsedTime, func() Option { return &ElapsedTimeOption{} })
	RegisterOption(OptionCodeRelayMessage, func() Option { return &RelayMessageOption{} })
	RegisterOption(OptionCodeAuthentication, func() Option { return &AuthenticationOption{} })
	RegisterOption(OptionCodeServerUnicast, func() Option { return &ServerUnicastOption{} })
	RegisterOption(OptionCodeStatusCode, func() Option { return &StatusCodeOption{} })
	RegisterOption(OptionCodeRapidCommit, func() Option { return &RapidCommitOption{} })
	RegisterOption(OptionCodeUserClass, func() Option { return &UserClassOption{} })
	RegisterOption(OptionCodeVendorClass, func() Option { return &VendorClassOption{} })
	RegisterOption(OptionCodeVendorOpts, func() Option { return &VendorSpecificInformationOption{} })
	RegisterOption(OptionCodeInterfaceID, func() Option { return &InterfaceIDOption{} })
	RegisterOption(OptionCodeReconfMessage, func() Option { return &ReconfigureMessageOption{} })
	RegisterOption(OptionCodeReconfAccept, func() Option { return &ReconfigureAcceptOption{} })
	RegisterOption(OptionCodeDNSServers, func() Option { return &RecursiveNameServersOption{} })
	RegisterOption(OptionCodeDomainList, func() Option { return &DomainSearchListOption{} })
	RegisterOption(OptionCodeIAPD, func() Option { return &IAPDOption{} })
	RegisterOption(OptionCodeIAPrefix, func() Option { return &IAPrefixOption{} })
	RegisterOption(OptionCodeRemoteID, func() Option { return &RemoteIDOption{} })
	RegisterOption(OptionCodeSubscriberID, func() Option { return &SubscriberIDOption{} })
	RegisterOption(OptionCodeEchoRequest, func() Option { return &EchoRequestOption{} })
	RegisterOption(OptionCodeLQQuery, func() Option { return &LQQueryOption{} })
	RegisterOption(OptionCodeClientData, func() Option { return &ClientDataOption{} })
	RegisterOption(OptionCodeCLTTime, func() Option { return &CLTTimeOption{} })
	RegisterOption(OptionCodeLQRelayData, func() Option { return &LQRelayDataOption{} })
	RegisterOption(OptionCodeLQClientLink, func() Option { return &LQClientLinkOption{} })
	RegisterOption(OptionCodeRelayID, func() Option { return &RelayIDOption{} })
	RegisterOption(OptionCodeLinkLayerID, func() Option { return &LinkLayerIDOption{} })
}

func registerContainment() {
	one := Occurrence{Min: 1, Max: 1}
	atMostOne := Occurrence{Min: 0, Max: 1}
	any := Occurrence{}

	clientMessages := []MessageType{
		MessageTypeSolicit, MessageTypeRequest, MessageTypeConfirm, MessageTypeRenew,
		MessageTypeRebind, MessageTypeRelease, MessageTypeDecline, MessageTypeInformationRequest,
	}
	serverMessages := []MessageType{MessageTypeAdvertise, MessageTypeReply}

	for _, mt := range clientMessages {
		RegisterMessageOption(mt, OptionCodeElapsedTime, one)
		RegisterMessageOption(mt, OptionCodeORO, atMostOne)
		RegisterMessageOption(mt, OptionCodeUserClass, atMostOne)
		RegisterMessageOption(mt, OptionCodeVendorClass, any)
		RegisterMessageOption(mt, OptionCodeVendorOpts, any)
	}

	// Client-id cardinality per RFC 3315 section 15
	RegisterMessageOption(MessageTypeSolicit, OptionCodeClientID, one)
	RegisterMessageOption(MessageTypeRequest, OptionCodeClientID, one)
	RegisterMessageOption(MessageTypeConfirm, OptionCodeClientID, one)
	RegisterMessageOption(MessageTypeRenew, OptionCodeClientID, one)
	RegisterMessageOption(MessageTypeRebind, OptionCodeClientID, one)
	RegisterMessageOption(MessageTypeRelease, OptionCodeClientID, one)
	RegisterMessageOption(MessageTypeDecline, OptionCodeClientID, one)
	RegisterMessageOption(MessageTypeInformationRequest, OptionCodeClientID, atMostOne)

	RegisterMessageOption(MessageTypeSolicit, OptionCodeRapidCommit, atMostOne)
	RegisterMessageOption(MessageTypeSolicit, OptionCodeReconfAccept, atMostOne)

	for _, mt := range []MessageType{MessageTypeRequest, MessageTypeRenew,
		MessageTypeRelease, MessageTypeDecline} {
		RegisterMessageOption(mt, OptionCodeServerID, one)
	}

	iaCarriers := []MessageType{
		MessageTypeSolicit, MessageTypeRequest, MessageTypeConfirm, MessageTypeRenew,
		MessageTypeRebind, MessageTypeRelease, MessageTypeDecline,
	}
	for _, mt := range iaCarriers {
		RegisterMessageOption(mt, OptionCodeIANA, any)
		RegisterMessageOption(mt, OptionCodeIATA, any)
		RegisterMessageOption(mt, OptionCodeIAPD, any)
	}

	for _, mt := range serverMessages {
		RegisterMessageOption(mt, OptionCodeClientID, atMostOne)
		RegisterMessageOption(mt, OptionCodeServerID, one)
		RegisterMessageOption(mt, OptionCodeIANA, any)
		RegisterMessageOption(mt, OptionCodeIATA, any)
		RegisterMessageOption(mt, OptionCodeIAPD, any)
		RegisterMessageOption(mt, OptionCodeStatusCode, atMostOne)
		RegisterMessageOption(mt, OptionCodePreference, atMostOne)
		RegisterMessageOption(mt, OptionCodeDNSServers, atMostOne)
		RegisterMessageOption(mt, OptionCodeDomainList, atMostOne)
		RegisterMessageOption(mt, OptionCodeReconfAccept, atMostOne)
	}
	RegisterMessageOption(MessageTypeReply, OptionCodeRapidCommit, atMostOne)
	RegisterMessageOption(MessageTypeReply, OptionCodeServerUnicast, atMostOne)
	RegisterMessageOption(MessageTypeAdvertise, OptionCodeServerUnicast, atMostOne)

	RegisterMessageOption(MessageTypeReconfigure, OptionCodeClientID, one)
	RegisterMessageOption(MessageTypeReconfigure, OptionCodeServerID, one)
	RegisterMessageOption(MessageTypeReconfigure, OptionCodeReconfMessage, one)

	// Relay messages
	for _, mt := range []MessageType{MessageTypeRelayForward, MessageTypeRelayReply} {
		RegisterMessageOption(mt, OptionCodeRelayMessage, one)
		RegisterMessageOption(mt, OptionCodeInterfaceID, atMostOne)
		RegisterMessageOption(mt, OptionCodeRemoteID, atMostOne)
		RegisterMessageOption(mt, OptionCodeSubscriberID, atMostOne)
		RegisterMessageOption(mt, OptionCodeVendorOpts, any)
	}
	RegisterMessageOption(MessageTypeRelayForward, OptionCodeLinkLayerID, atMostOne)
	RegisterMessageOption(MessageTypeRelayForward, OptionCodeEchoRequest, atMostOne)

	// Leasequery
	RegisterMessageOption(MessageTypeLeaseQuery, OptionCodeClientID, one)
	RegisterMessageOption(MessageTypeLeaseQuery, OptionCodeServerID, atMostOne)
	RegisterMessageOption(MessageTypeLeaseQuery, OptionCodeLQQuery, one)
	RegisterMessageOption(MessageTypeLeaseQueryReply, OptionCodeClientID, atMostOne)
	RegisterMessageOption(MessageTypeLeaseQueryReply, OptionCodeServerID, one)
	RegisterMessageOption(MessageTypeLeaseQueryReply, OptionCodeStatusCode, atMostOne)
	RegisterMessageOption(MessageTypeLeaseQueryReply, OptionCodeClientData, any)
	RegisterMessageOption(MessageTypeLeaseQueryReply, OptionCodeLQClientLink, atMostOne)
	RegisterMessageOption(MessageTypeLeaseQueryData, OptionCodeClientData, one)
	RegisterMessageOption(MessageTypeLeaseQueryDone, OptionCodeStatusCode, atMostOne)

	// IA sub-options
	RegisterSubOption(OptionCodeIANA, OptionCodeIAAddress, any)
	RegisterSubOption(OptionCodeIANA, OptionCodeStatusCode, atMostOne)
	RegisterSubOption(OptionCodeIATA, OptionCodeIAAddress, any)
	RegisterSubOption(OptionCodeIATA, OptionCodeStatusCode, atMostOne)
	RegisterSubOption(OptionCodeIAPD, OptionCodeIAPrefix, any)
	RegisterSubOption(OptionCodeIAPD, OptionCodeStatusCode, atMostOne)
	RegisterSubOption(OptionCodeIAAddress, OptionCodeStatusCode, atMostOne)
	RegisterSubOption(OptionCodeIAPrefix, OptionCodeStatusCode, atMostOne)

	// Leasequery containers
	RegisterSubOption(OptionCodeLQQuery, OptionCodeIAAddress, atMostOne)
	RegisterSubOption(OptionCodeLQQuery, OptionCodeClientID, atMostOne)
	RegisterSubOption(OptionCodeLQQuery, OptionCodeRelayID, atMostOne)
	RegisterSubOption(OptionCodeLQQuery, OptionCodeRemoteID, atMostOne)
	RegisterSubOption(OptionCodeLQQuery, OptionCodeORO, atMostOne)
	RegisterSubOption(OptionCodeClientData, OptionCodeClientID, atMostOne)
	RegisterSubOption(OptionCodeClientData, OptionCodeIAAddress, any)
	RegisterSubOption(OptionCodeClientData, OptionCodeIAPrefix, any)
	RegisterSubOption(OptionCodeClientData, OptionCodeCLTTime, atMostOne)
	RegisterSubOption(OptionCodeClientData, OptionCodeLQRelayData, atMostOne)
}
