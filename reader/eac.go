package reader

import (
	"context"
	"encoding/asn1"

	"go-passport-verifier/lds"
	"go-passport-verifier/status"
)

var caStrengths = []int{lds.StrengthTripleDES, lds.StrengthAES128, lds.StrengthAES192, lds.StrengthAES256}

type caCandidate struct {
	protocol asn1.ObjectIdentifier
	key      lds.ChipAuthenticationPublicKeyInfo
}

// caCandidates lists the protocol and key pairs to try, in order. A key
// announced by a ChipAuthenticationInfo is tried with that protocol only;
// other keys are tried with every cipher of their key agreement.
func caCandidates(infos *lds.SecurityInfos) []caCandidate {
	var out []caCandidate
	for _, key := range infos.ChipAuthenticationPublicKeyInfos {
		if key.PublicKey == nil {
			continue
		}
		if info, ok := infos.ChipAuthenticationInfoForKey(key.KeyID); ok {
			out = append(out, caCandidate{protocol: info.Protocol, key: key})
			continue
		}
		agreement := lds.AgreementECDH
		if key.PublicKey.DH != nil {
			agreement = lds.AgreementDH
		}
		for _, strength := range caStrengths {
			out = append(out, caCandidate{protocol: lds.ProtocolOID(lds.OIDCA, agreement, strength), key: key})
		}
	}
	return out
}

// doChipAuthentication tries the chip keys of DG14 until one succeeds.
func (s *session) doChipAuthentication(ctx context.Context) error {
	dg14 := s.doc.DG14()
	if dg14 == nil {
		s.log.Warn("Chip authentication not possible without DG14")
		s.vs.Set(status.CA, status.Failed, "CA Failed")
		return nil
	}

	for _, c := range caCandidates(dg14) {
		_, err := s.svc.DoChipAuthentication(ctx, c.protocol, c.key.KeyID, c.key.PublicKey)
		if err == nil {
			s.log.Info("Chip authentication succeeded", "protocol", c.protocol.String())
			s.vs.Set(status.CA, status.Succeeded, "EAC succeeded")
			return nil
		}
		if ferr := s.failure(ctx); ferr != nil {
			return ferr
		}
		s.log.Debug("Chip authentication candidate failed", "protocol", c.protocol.String(), "error", err)
	}
	s.log.Warn("Chip authentication failed for every key and cipher")
	s.vs.Set(status.CA, status.Failed, "CA Failed")
	return nil
}

// doTerminalAuthentication tries the trust points named in EF.CVCA in order.
func (s *session) doTerminalAuthentication(ctx context.Context) error {
	cvca := s.doc.CVCA()
	if cvca == nil {
		s.log.Warn("Terminal authentication not possible without EF.CVCA")
		s.vs.Set(status.EAC, status.Failed, "EAC Failed")
		return nil
	}

	idPICC := s.key.IDPICC()
	if pace := s.svc.PACEResult(); pace != nil {
		idPICC = pace.IDPICC()
	}

	for _, ref := range cvca.References() {
		creds, ok := s.terminal.TerminalCredentials(ref)
		if !ok {
			s.log.Info("No terminal credentials for trust point", "car", ref)
			continue
		}
		err := s.svc.DoTerminalAuthentication(ctx, creds, idPICC)
		if err == nil {
			s.log.Info("Terminal authentication succeeded", "car", ref, "terminal", creds.Terminal().HolderReference)
			s.vs.Set(status.EAC, status.Succeeded, "EAC succeeded")
			return nil
		}
		if ferr := s.failure(ctx); ferr != nil {
			return ferr
		}
		s.log.Info("Terminal authentication failed", "car", ref, "error", err)
	}
	s.vs.Set(status.EAC, status.Failed, "EAC Failed")
	return nil
}
