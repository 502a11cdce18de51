//go:build cgo

// Package capi is the thin Cryptoki C ABI shim. Per scope, the shim itself
// is an external collaborator: every exported function does argument
// marshalling only and immediately calls into internal/manager, which holds
// all the actual state and logic. This file defines just enough of the
// Cryptoki v2.2 C structures to stand up a function table; a production
// build would pull these from the official pkcs11.h instead.
package capi

/*
#include <stdint.h>
#include <string.h>

typedef unsigned char  CK_BYTE;
typedef CK_BYTE        CK_BBOOL;
typedef unsigned long  CK_ULONG;
typedef long           CK_LONG;
typedef CK_ULONG       CK_RV;
typedef CK_ULONG       CK_SLOT_ID;
typedef CK_ULONG       CK_SESSION_HANDLE;
typedef CK_ULONG       CK_OBJECT_HANDLE;
typedef CK_ULONG       CK_FLAGS;
typedef CK_ULONG       CK_ATTRIBUTE_TYPE;
typedef CK_ULONG       CK_MECHANISM_TYPE;
typedef CK_ULONG       CK_USER_TYPE;
typedef CK_ULONG       CK_STATE;
typedef void*          CK_VOID_PTR;
typedef CK_BYTE*       CK_BYTE_PTR;
typedef CK_ULONG*      CK_ULONG_PTR;
typedef CK_SLOT_ID*    CK_SLOT_ID_PTR;
typedef CK_SESSION_HANDLE* CK_SESSION_HANDLE_PTR;
typedef CK_OBJECT_HANDLE*  CK_OBJECT_HANDLE_PTR;
typedef CK_RV (*CK_NOTIFY)(CK_SESSION_HANDLE, CK_ULONG, CK_VOID_PTR);

typedef struct CK_VERSION { CK_BYTE major; CK_BYTE minor; } CK_VERSION;

typedef struct CK_INFO {
	CK_VERSION cryptokiVersion;
	CK_BYTE manufacturerID[32];
	CK_FLAGS flags;
	CK_BYTE libraryDescription[32];
	CK_VERSION libraryVersion;
} CK_INFO;

typedef struct CK_SLOT_INFO {
	CK_BYTE slotDescription[64];
	CK_BYTE manufacturerID[32];
	CK_FLAGS flags;
	CK_VERSION hardwareVersion;
	CK_VERSION firmwareVersion;
} CK_SLOT_INFO;

typedef struct CK_TOKEN_INFO {
	CK_BYTE label[32];
	CK_BYTE manufacturerID[32];
	CK_BYTE model[16];
	CK_BYTE serialNumber[16];
	CK_FLAGS flags;
	CK_ULONG ulMaxSessionCount;
	CK_ULONG ulSessionCount;
	CK_ULONG ulMaxRwSessionCount;
	CK_ULONG ulRwSessionCount;
	CK_ULONG ulMaxPinLen;
	CK_ULONG ulMinPinLen;
	CK_ULONG ulTotalPublicMemory;
	CK_ULONG ulFreePublicMemory;
	CK_ULONG ulTotalPrivateMemory;
	CK_ULONG ulFreePrivateMemory;
	CK_VERSION hardwareVersion;
	CK_VERSION firmwareVersion;
	CK_BYTE utcTime[16];
} CK_TOKEN_INFO;

typedef struct CK_ATTRIBUTE {
	CK_ATTRIBUTE_TYPE type;
	CK_VOID_PTR pValue;
	CK_ULONG ulValueLen;
} CK_ATTRIBUTE;
typedef CK_ATTRIBUTE* CK_ATTRIBUTE_PTR;

typedef struct CK_MECHANISM {
	CK_MECHANISM_TYPE mechanism;
	CK_VOID_PTR pParameter;
	CK_ULONG ulParameterLen;
} CK_MECHANISM;
typedef CK_MECHANISM* CK_MECHANISM_PTR;

typedef struct CK_RSA_PKCS_PSS_PARAMS {
	CK_MECHANISM_TYPE hashAlg;
	CK_ULONG mgf;
	CK_ULONG sLen;
} CK_RSA_PKCS_PSS_PARAMS;

typedef CK_RV (*CK_C_Initialize)(CK_VOID_PTR);
typedef CK_RV (*CK_C_Finalize)(CK_VOID_PTR);
typedef CK_RV (*CK_C_GetInfo)(CK_INFO*);
typedef CK_RV (*CK_C_GetSlotList)(CK_BBOOL, CK_SLOT_ID_PTR, CK_ULONG_PTR);
typedef CK_RV (*CK_C_GetSlotInfo)(CK_SLOT_ID, CK_SLOT_INFO*);
typedef CK_RV (*CK_C_GetTokenInfo)(CK_SLOT_ID, CK_TOKEN_INFO*);
typedef CK_RV (*CK_C_GetMechanismList)(CK_SLOT_ID, CK_ULONG_PTR, CK_ULONG_PTR);
typedef CK_RV (*CK_C_OpenSession)(CK_SLOT_ID, CK_FLAGS, CK_VOID_PTR, CK_NOTIFY, CK_SESSION_HANDLE_PTR);
typedef CK_RV (*CK_C_CloseSession)(CK_SESSION_HANDLE);
typedef CK_RV (*CK_C_CloseAllSessions)(CK_SLOT_ID);
typedef CK_RV (*CK_C_Logout)(CK_SESSION_HANDLE);
typedef CK_RV (*CK_C_GetAttributeValue)(CK_SESSION_HANDLE, CK_OBJECT_HANDLE, CK_ATTRIBUTE_PTR, CK_ULONG);
typedef CK_RV (*CK_C_FindObjectsInit)(CK_SESSION_HANDLE, CK_ATTRIBUTE_PTR, CK_ULONG);
typedef CK_RV (*CK_C_FindObjects)(CK_SESSION_HANDLE, CK_OBJECT_HANDLE_PTR, CK_ULONG, CK_ULONG_PTR);
typedef CK_RV (*CK_C_FindObjectsFinal)(CK_SESSION_HANDLE);
typedef CK_RV (*CK_C_SignInit)(CK_SESSION_HANDLE, CK_MECHANISM_PTR, CK_OBJECT_HANDLE);
typedef CK_RV (*CK_C_Sign)(CK_SESSION_HANDLE, CK_BYTE_PTR, CK_ULONG, CK_BYTE_PTR, CK_ULONG_PTR);
typedef CK_RV (*CK_C_NotSupported)();

typedef struct CK_FUNCTION_LIST {
	CK_VERSION version;
	CK_C_Initialize C_Initialize;
	CK_C_Finalize C_Finalize;
	CK_C_GetInfo C_GetInfo;
	CK_C_GetSlotList C_GetSlotList;
	CK_C_GetSlotInfo C_GetSlotInfo;
	CK_C_GetTokenInfo C_GetTokenInfo;
	CK_C_GetMechanismList C_GetMechanismList;
	CK_C_OpenSession C_OpenSession;
	CK_C_CloseSession C_CloseSession;
	CK_C_CloseAllSessions C_CloseAllSessions;
	CK_C_Logout C_Logout;
	CK_C_GetAttributeValue C_GetAttributeValue;
	CK_C_FindObjectsInit C_FindObjectsInit;
	CK_C_FindObjects C_FindObjects;
	CK_C_FindObjectsFinal C_FindObjectsFinal;
	CK_C_SignInit C_SignInit;
	CK_C_Sign C_Sign;
	// Every remaining standard entry point is wired to the same
	// CKR_FUNCTION_NOT_SUPPORTED stub (spec §6, SPEC_FULL §5).
	CK_C_NotSupported C_GetMechanismInfo;
	CK_C_NotSupported C_InitToken;
	CK_C_NotSupported C_InitPIN;
	CK_C_NotSupported C_SetPIN;
	CK_C_NotSupported C_GetSessionInfo;
	CK_C_NotSupported C_GetOperationState;
	CK_C_NotSupported C_SetOperationState;
	CK_C_NotSupported C_Login;
	CK_C_NotSupported C_CreateObject;
	CK_C_NotSupported C_CopyObject;
	CK_C_NotSupported C_DestroyObject;
	CK_C_NotSupported C_GetObjectSize;
	CK_C_NotSupported C_SetAttributeValue;
	CK_C_NotSupported C_EncryptInit;
	CK_C_NotSupported C_Encrypt;
	CK_C_NotSupported C_DecryptInit;
	CK_C_NotSupported C_Decrypt;
	CK_C_NotSupported C_DigestInit;
	CK_C_NotSupported C_Digest;
	CK_C_NotSupported C_VerifyInit;
	CK_C_NotSupported C_Verify;
	CK_C_NotSupported C_SignRecoverInit;
	CK_C_NotSupported C_SignRecover;
	CK_C_NotSupported C_VerifyRecoverInit;
	CK_C_NotSupported C_VerifyRecover;
	CK_C_NotSupported C_WrapKey;
	CK_C_NotSupported C_UnwrapKey;
	CK_C_NotSupported C_GenerateKey;
	CK_C_NotSupported C_GenerateKeyPair;
	CK_C_NotSupported C_SeedRandom;
	CK_C_NotSupported C_GenerateRandom;
} CK_FUNCTION_LIST;

static CK_RV notSupported() { return 0x54; } // CKR_FUNCTION_NOT_SUPPORTED

static void wireNotSupported(CK_FUNCTION_LIST *f) {
	CK_C_NotSupported n = notSupported;
	f->C_GetMechanismInfo = n;
	f->C_InitToken = n;
	f->C_InitPIN = n;
	f->C_SetPIN = n;
	f->C_GetSessionInfo = n;
	f->C_GetOperationState = n;
	f->C_SetOperationState = n;
	f->C_Login = n;
	f->C_CreateObject = n;
	f->C_CopyObject = n;
	f->C_DestroyObject = n;
	f->C_GetObjectSize = n;
	f->C_SetAttributeValue = n;
	f->C_EncryptInit = n;
	f->C_Encrypt = n;
	f->C_DecryptInit = n;
	f->C_Decrypt = n;
	f->C_DigestInit = n;
	f->C_Digest = n;
	f->C_VerifyInit = n;
	f->C_Verify = n;
	f->C_SignRecoverInit = n;
	f->C_SignRecover = n;
	f->C_VerifyRecoverInit = n;
	f->C_VerifyRecover = n;
	f->C_WrapKey = n;
	f->C_UnwrapKey = n;
	f->C_GenerateKey = n;
	f->C_GenerateKeyPair = n;
	f->C_SeedRandom = n;
	f->C_GenerateRandom = n;
}
*/
import "C"

import (
	"errors"
	"unsafe"

	"github.com/miekg/pkcs11"

	"github.com/ferran/osclientcerts/internal/manager"
	"github.com/ferran/osclientcerts/internal/objectstore"
	"github.com/ferran/osclientcerts/internal/session"
)

const (
	rvOK                    = C.CK_RV(pkcs11.CKR_OK)
	rvArgumentsBad          = C.CK_RV(pkcs11.CKR_ARGUMENTS_BAD)
	rvBufferTooSmall        = C.CK_RV(pkcs11.CKR_BUFFER_TOO_SMALL)
	rvSessionHandleInvalid  = C.CK_RV(pkcs11.CKR_SESSION_HANDLE_INVALID)
	rvFunctionNotSupported  = C.CK_RV(pkcs11.CKR_FUNCTION_NOT_SUPPORTED)
	rvDeviceError           = C.CK_RV(pkcs11.CKR_DEVICE_ERROR)
	rvGeneralError          = C.CK_RV(pkcs11.CKR_GENERAL_ERROR)
	slotID                  = C.CK_SLOT_ID(1)
	cryptokiVersionMajor    = 2
	cryptokiVersionMinor    = 2
	unavailableInformation  = ^C.CK_ULONG(0) // (CK_ULONG)-1, all-ones
)

var (
	manufacturerID     = pad32("Mozilla Corporation")
	libraryDescription = pad32("OS Client Cert Module")
	slotDescription    = pad64("OS Client Cert Slot")
	tokenLabel         = pad32("OS Client Cert Token")
	tokenModel         = pad16("osclientcerts")
	tokenSerial        = pad16("0000000000000000")
)

func pad(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	for i := len(s); i < n; i++ {
		b[i] = ' '
	}
	return b
}
func pad32(s string) []byte { return pad(s, 32) }
func pad64(s string) []byte { return pad(s, 64) }
func pad16(s string) []byte { return pad(s, 16) }

func copyBytes(dst *C.CK_BYTE, src []byte) {
	out := (*[1 << 30]byte)(unsafe.Pointer(dst))[:len(src):len(src)]
	copy(out, src)
}

// functionList is the single CK_FUNCTION_LIST this module ever hands out.
// It is built once at package init because cgo function pointers must be
// assigned from C, not composite-literal'd from Go.
var functionList C.CK_FUNCTION_LIST

func init() {
	functionList.version = C.CK_VERSION{major: cryptokiVersionMajor, minor: cryptokiVersionMinor}
	functionList.C_Initialize = C.CK_C_Initialize(C.C_Initialize)
	functionList.C_Finalize = C.CK_C_Finalize(C.C_Finalize)
	functionList.C_GetInfo = C.CK_C_GetInfo(C.C_GetInfo)
	functionList.C_GetSlotList = C.CK_C_GetSlotList(C.C_GetSlotList)
	functionList.C_GetSlotInfo = C.CK_C_GetSlotInfo(C.C_GetSlotInfo)
	functionList.C_GetTokenInfo = C.CK_C_GetTokenInfo(C.C_GetTokenInfo)
	functionList.C_GetMechanismList = C.CK_C_GetMechanismList(C.C_GetMechanismList)
	functionList.C_OpenSession = C.CK_C_OpenSession(C.C_OpenSession)
	functionList.C_CloseSession = C.CK_C_CloseSession(C.C_CloseSession)
	functionList.C_CloseAllSessions = C.CK_C_CloseAllSessions(C.C_CloseAllSessions)
	functionList.C_Logout = C.CK_C_Logout(C.C_Logout)
	functionList.C_GetAttributeValue = C.CK_C_GetAttributeValue(C.C_GetAttributeValue)
	functionList.C_FindObjectsInit = C.CK_C_FindObjectsInit(C.C_FindObjectsInit)
	functionList.C_FindObjects = C.CK_C_FindObjects(C.C_FindObjects)
	functionList.C_FindObjectsFinal = C.CK_C_FindObjectsFinal(C.C_FindObjectsFinal)
	functionList.C_SignInit = C.CK_C_SignInit(C.C_SignInit)
	functionList.C_Sign = C.CK_C_Sign(C.C_Sign)
	C.wireNotSupported(&functionList)
}

func mgr() *manager.Manager { return manager.Get() }

// toRV classifies a manager error per the return-code rules in spec §7: a
// poisoned manager is always a device error, an unknown session is bad
// arguments (the host is expected to track its own session handles), and
// anything else falls back to the caller-supplied default.
func toRV(err error, fallback C.CK_RV) C.CK_RV {
	switch {
	case err == nil:
		return rvOK
	case errors.Is(err, manager.ErrManagerPoisoned):
		return rvDeviceError
	case errors.Is(err, manager.ErrUnknownSession):
		return rvArgumentsBad
	default:
		return fallback
	}
}

//export C_GetFunctionList
func C_GetFunctionList(ppFunctionList **C.CK_FUNCTION_LIST) C.CK_RV {
	if ppFunctionList == nil {
		return rvArgumentsBad
	}
	*ppFunctionList = &functionList
	return rvOK
}

//export C_Initialize
func C_Initialize(pInitArgs C.CK_VOID_PTR) C.CK_RV {
	mgr() // forces lazy one-time initialization (spec §5, §9)
	return rvOK
}

//export C_Finalize
func C_Finalize(pReserved C.CK_VOID_PTR) C.CK_RV { return rvOK }

//export C_GetInfo
func C_GetInfo(pInfo *C.CK_INFO) C.CK_RV {
	if pInfo == nil {
		return rvArgumentsBad
	}
	pInfo.cryptokiVersion = C.CK_VERSION{major: cryptokiVersionMajor, minor: cryptokiVersionMinor}
	copyBytes(&pInfo.manufacturerID[0], manufacturerID)
	copyBytes(&pInfo.libraryDescription[0], libraryDescription)
	pInfo.libraryVersion = C.CK_VERSION{major: 1, minor: 0}
	return rvOK
}

//export C_GetSlotList
func C_GetSlotList(tokenPresent C.CK_BBOOL, pSlotList C.CK_SLOT_ID_PTR, pulCount *C.CK_ULONG) C.CK_RV {
	if pulCount == nil {
		return rvArgumentsBad
	}
	if pSlotList == nil {
		*pulCount = 1
		return rvOK
	}
	if *pulCount < 1 {
		*pulCount = 1
		return rvBufferTooSmall
	}
	*pSlotList = slotID
	*pulCount = 1
	return rvOK
}

//export C_GetSlotInfo
func C_GetSlotInfo(slot C.CK_SLOT_ID, pInfo *C.CK_SLOT_INFO) C.CK_RV {
	if slot != slotID {
		return rvArgumentsBad
	}
	if pInfo == nil {
		return rvArgumentsBad
	}
	copyBytes(&pInfo.slotDescription[0], slotDescription)
	copyBytes(&pInfo.manufacturerID[0], manufacturerID)
	pInfo.flags = 1 << 0 // CKF_TOKEN_PRESENT
	return rvOK
}

//export C_GetTokenInfo
func C_GetTokenInfo(slot C.CK_SLOT_ID, pInfo *C.CK_TOKEN_INFO) C.CK_RV {
	if slot != slotID {
		return rvArgumentsBad
	}
	if pInfo == nil {
		return rvArgumentsBad
	}
	copyBytes(&pInfo.label[0], tokenLabel)
	copyBytes(&pInfo.manufacturerID[0], manufacturerID)
	copyBytes(&pInfo.model[0], tokenModel)
	copyBytes(&pInfo.serialNumber[0], tokenSerial)
	pInfo.ulMaxSessionCount = 0 // CK_EFFECTIVELY_INFINITE
	return rvOK
}

//export C_GetMechanismList
func C_GetMechanismList(slot C.CK_SLOT_ID, pMechanismList C.CK_ULONG_PTR, pulCount *C.CK_ULONG) C.CK_RV {
	mechanisms := []uint{pkcs11.CKM_ECDSA, pkcs11.CKM_RSA_PKCS, pkcs11.CKM_RSA_PKCS_PSS}
	if pulCount == nil {
		return rvArgumentsBad
	}
	if pMechanismList == nil {
		*pulCount = C.CK_ULONG(len(mechanisms))
		return rvOK
	}
	if int(*pulCount) < len(mechanisms) {
		*pulCount = C.CK_ULONG(len(mechanisms))
		return rvBufferTooSmall
	}
	out := (*[1 << 20]C.CK_ULONG)(unsafe.Pointer(pMechanismList))[:len(mechanisms):len(mechanisms)]
	for i, m := range mechanisms {
		out[i] = C.CK_ULONG(m)
	}
	*pulCount = C.CK_ULONG(len(mechanisms))
	return rvOK
}

//export C_OpenSession
func C_OpenSession(slot C.CK_SLOT_ID, flags C.CK_FLAGS, pApplication C.CK_VOID_PTR, notify C.CK_NOTIFY, phSession C.CK_SESSION_HANDLE_PTR) C.CK_RV {
	if slot != slotID || phSession == nil {
		return rvArgumentsBad
	}
	h, err := mgr().OpenSession()
	if err != nil {
		return toRV(err, rvDeviceError)
	}
	*phSession = C.CK_SESSION_HANDLE(h)
	return rvOK
}

//export C_CloseSession
func C_CloseSession(hSession C.CK_SESSION_HANDLE) C.CK_RV {
	if err := mgr().CloseSession(session.Handle(hSession)); err != nil {
		return rvSessionHandleInvalid
	}
	return rvOK
}

//export C_CloseAllSessions
func C_CloseAllSessions(slot C.CK_SLOT_ID) C.CK_RV {
	if slot != slotID {
		return rvArgumentsBad
	}
	return toRV(mgr().CloseAllSessions(), rvDeviceError)
}

//export C_Logout
func C_Logout(hSession C.CK_SESSION_HANDLE) C.CK_RV { return rvOK }

//export C_GetAttributeValue
func C_GetAttributeValue(hSession C.CK_SESSION_HANDLE, hObject C.CK_OBJECT_HANDLE, pTemplate C.CK_ATTRIBUTE_PTR, ulCount C.CK_ULONG) C.CK_RV {
	if pTemplate == nil {
		return rvArgumentsBad
	}
	entries := (*[1 << 20]C.CK_ATTRIBUTE)(unsafe.Pointer(pTemplate))[:ulCount:ulCount]
	types := make([]uint, len(entries))
	for i, e := range entries {
		types[i] = uint(e._type)
	}
	values, err := mgr().GetAttributes(objectstore.Handle(hObject), types)
	if err != nil {
		return rvArgumentsBad
	}
	for i := range entries {
		v := values[i]
		if !v.Present {
			entries[i].ulValueLen = unavailableInformation
			continue
		}
		if entries[i].pValue == nil {
			entries[i].ulValueLen = C.CK_ULONG(len(v.Bytes))
			continue
		}
		if int(entries[i].ulValueLen) != len(v.Bytes) {
			return rvArgumentsBad
		}
		copyBytes((*C.CK_BYTE)(entries[i].pValue), v.Bytes)
	}
	return rvOK
}

//export C_FindObjectsInit
func C_FindObjectsInit(hSession C.CK_SESSION_HANDLE, pTemplate C.CK_ATTRIBUTE_PTR, ulCount C.CK_ULONG) C.CK_RV {
	template := decodeTemplate(pTemplate, ulCount)
	return toRV(mgr().StartSearch(session.Handle(hSession), template), rvDeviceError)
}

//export C_FindObjects
func C_FindObjects(hSession C.CK_SESSION_HANDLE, phObject C.CK_OBJECT_HANDLE_PTR, ulMaxObjectCount C.CK_ULONG, pulObjectCount *C.CK_ULONG) C.CK_RV {
	if phObject == nil || pulObjectCount == nil {
		return rvArgumentsBad
	}
	handles, err := mgr().Search(session.Handle(hSession), int(ulMaxObjectCount))
	if err != nil {
		return toRV(err, rvDeviceError)
	}
	out := (*[1 << 20]C.CK_OBJECT_HANDLE)(unsafe.Pointer(phObject))[:len(handles):len(handles)]
	for i, h := range handles {
		out[i] = C.CK_OBJECT_HANDLE(h)
	}
	*pulObjectCount = C.CK_ULONG(len(handles))
	return rvOK
}

//export C_FindObjectsFinal
func C_FindObjectsFinal(hSession C.CK_SESSION_HANDLE) C.CK_RV {
	return toRV(mgr().ClearSearch(session.Handle(hSession)), rvDeviceError)
}

//export C_SignInit
func C_SignInit(hSession C.CK_SESSION_HANDLE, pMechanism C.CK_MECHANISM_PTR, hKey C.CK_OBJECT_HANDLE) C.CK_RV {
	if pMechanism == nil {
		return rvArgumentsBad
	}
	var pssParams *pkcs11.PSSParams
	if uint(pMechanism.mechanism) == pkcs11.CKM_RSA_PKCS_PSS {
		if pMechanism.pParameter == nil || uintptr(pMechanism.ulParameterLen) != unsafe.Sizeof(C.CK_RSA_PKCS_PSS_PARAMS{}) {
			return rvArgumentsBad
		}
		p := (*C.CK_RSA_PKCS_PSS_PARAMS)(pMechanism.pParameter)
		pssParams = pkcs11.NewPSSParams(uint(p.hashAlg), uint(p.mgf), uint(p.sLen))
	}
	err := mgr().StartSign(session.Handle(hSession), objectstore.Handle(hKey), uint(pMechanism.mechanism), pssParams)
	if err != nil {
		return toRV(err, rvGeneralError)
	}
	return rvOK
}

//export C_Sign
func C_Sign(hSession C.CK_SESSION_HANDLE, pData C.CK_BYTE_PTR, ulDataLen C.CK_ULONG, pSignature C.CK_BYTE_PTR, pulSignatureLen *C.CK_ULONG) C.CK_RV {
	if pulSignatureLen == nil {
		return rvArgumentsBad
	}
	data := C.GoBytes(unsafe.Pointer(pData), C.int(ulDataLen))

	if pSignature == nil {
		length, err := mgr().GetSignatureLength(session.Handle(hSession), data)
		if err != nil {
			return toRV(err, rvGeneralError)
		}
		*pulSignatureLen = C.CK_ULONG(length)
		return rvOK
	}

	sig, err := mgr().Sign(session.Handle(hSession), data)
	if err != nil {
		return toRV(err, rvGeneralError)
	}
	if int(*pulSignatureLen) < len(sig) {
		*pulSignatureLen = C.CK_ULONG(len(sig))
		return rvBufferTooSmall
	}
	copyBytes(pSignature, sig)
	*pulSignatureLen = C.CK_ULONG(len(sig))
	return rvOK
}

func decodeTemplate(pTemplate C.CK_ATTRIBUTE_PTR, ulCount C.CK_ULONG) []pkcs11.Attribute {
	if pTemplate == nil || ulCount == 0 {
		return nil
	}
	entries := (*[1 << 20]C.CK_ATTRIBUTE)(unsafe.Pointer(pTemplate))[:ulCount:ulCount]
	out := make([]pkcs11.Attribute, len(entries))
	for i, e := range entries {
		var value []byte
		if e.pValue != nil && e.ulValueLen > 0 {
			value = C.GoBytes(e.pValue, C.int(e.ulValueLen))
		}
		out[i] = pkcs11.Attribute{Type: uint(e._type), Value: value}
	}
	return out
}
