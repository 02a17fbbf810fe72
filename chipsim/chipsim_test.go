package chipsim

import (
	"context"
	"crypto/elliptic"
	"testing"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"

	"github.com/stretchr/testify/require"
)

func TestSpecimenFilesParse(t *testing.T) {
	s, err := NewSpecimen(SpecimenOptions{BAC: true, PACEParameterID: 12, ChipAuthCurve: elliptic.P256(), EAC: true})
	require.NoError(t, err)

	doc, err := lds.DocumentFromDump(s.Dump())
	require.NoError(t, err)

	require.NotNil(t, doc.COM())
	require.ElementsMatch(t, []int{1, 2, 3, 5, 11, 14, 15}, doc.COM().DataGroups())
	require.Equal(t, SpecimenMRZ, doc.DG1().MRZ)
	require.Equal(t, "ERIKSSON<<ANNA<MARIA", doc.DG11().FullName)
	require.Len(t, doc.DG5().Portraits, 1)
	require.Equal(t, "image/jpeg", doc.DG5().Portraits[0].MimeType)
	require.Len(t, doc.DG14().ChipAuthenticationPublicKeyInfos, 1)
	require.Equal(t, []string{s.CVCA.HolderReference}, doc.CVCA().References())

	sod := doc.SOD()
	require.NotNil(t, sod)
	require.Equal(t, []int{1, 2, 3, 5, 11, 14, 15}, sod.DataGroupNumbers())
	cert, ok := sod.DocSigningCertificate()
	require.True(t, ok)
	require.True(t, cert.Equal(s.DS))
}

func TestSpecimenHashes(t *testing.T) {
	s, err := NewSpecimen(SpecimenOptions{})
	require.NoError(t, err)

	for _, n := range s.SOD.DataGroupNumbers() {
		stored, ok := s.SOD.Hash(n)
		require.True(t, ok)
		h := s.opts.HashAlg.New()
		h.Write(s.Files[lds.DataGroup(n)])
		require.Equal(t, stored, h.Sum(nil), "DG%d", n)
	}

	stored, _ := s.SOD.Hash(1)
	s.Tamper(lds.KindDG1, lds.EncodeDG1("P<UTOERIKSSON<<ANNE<MARIA<<<<<<<<<<<<<<<<<<<\n"+
		"L898902C36UTO7408122F1204159ZE184226B<<<<<10"))
	h := s.opts.HashAlg.New()
	h.Write(s.Files[lds.KindDG1])
	require.NotEqual(t, stored, h.Sum(nil))
}

func TestChipAccessControl(t *testing.T) {
	ctx := context.Background()
	s, err := NewSpecimen(SpecimenOptions{BAC: true})
	require.NoError(t, err)
	chip := s.NewChip()
	reader := iso7816.NewFileReader(chip)

	// EF.CardAccess lives in the master file and is absent here.
	err = reader.SelectFile(ctx, lds.KindCardAccess.FID())
	var statusErr *iso7816.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, iso7816.SWFileNotFound, statusErr.SW)

	require.NoError(t, reader.SelectApplication(ctx, []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}))
	err = reader.SelectFile(ctx, lds.KindDG1.FID())
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, iso7816.SWSecurityStatusNotSatisfied, statusErr.SW)

	resp, err := chip.Transmit(ctx, iso7816.CommandAPDU{CLA: 0x0C, INS: iso7816.INSReadBinary, Ne: 8})
	require.NoError(t, err)
	require.Equal(t, iso7816.SWSMDataObjectsIncorrect, resp.SW)

	require.Equal(t, []uint16{lds.KindCardAccess.FID(), lds.KindDG1.FID()}, chip.Selections())
}

func TestChipUnreadableFile(t *testing.T) {
	ctx := context.Background()
	s, err := NewSpecimen(SpecimenOptions{})
	require.NoError(t, err)
	cfg := s.Config()
	cfg.Unreadable = map[uint16]iso7816.StatusWord{lds.KindDG15.FID(): iso7816.SWFileNotFound}
	reader := iso7816.NewFileReader(New(cfg))
	require.NoError(t, reader.SelectApplication(ctx, []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}))

	dg1, err := reader.ReadFile(ctx, lds.KindDG1.FID())
	require.NoError(t, err)
	require.Equal(t, s.Files[lds.KindDG1], dg1)

	_, err = reader.ReadFile(ctx, lds.KindDG15.FID())
	require.Error(t, err)
}

func TestChipRemoved(t *testing.T) {
	s, err := NewSpecimen(SpecimenOptions{})
	require.NoError(t, err)
	chip := s.NewChip()
	chip.Remove()
	_, err = chip.Transmit(context.Background(), iso7816.CommandAPDU{INS: iso7816.INSSelect, P1: 0x04, Data: []byte{0x01}})
	require.ErrorIs(t, err, ErrTagLost)
}
